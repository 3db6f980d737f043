package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/database"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/media"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/Tyrowin/roomrelay/internal/users"
)

// recorder is a Transport that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]Envelope
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]Envelope)}
}

func (r *recorder) Deliver(connID string, frame []byte) bool {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], env)
	r.mu.Unlock()
	return true
}

func (r *recorder) events(connID string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.frames[connID]))
	copy(out, r.frames[connID])
	return out
}

func (r *recorder) named(connID, event string) []Envelope {
	var out []Envelope
	for _, e := range r.events(connID) {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = make(map[string][]Envelope)
	r.mu.Unlock()
}

type fixture struct {
	hub   *Hub
	tr    *recorder
	store *store.GormStore
	blobs *media.LocalBlobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	st, err := store.NewGormStore(db)
	require.NoError(t, err)
	dir, err := users.NewDirectory(db, "secret")
	require.NoError(t, err)
	blobs, err := media.NewLocalBlobs(t.TempDir())
	require.NoError(t, err)

	tr := newRecorder()
	h := New(Deps{
		Store:     st,
		Media:     media.NewIngestor(blobs, 1<<20, logging.Nop()),
		Owners:    dir,
		Transport: tr,
		Logger:    logging.Nop(),
	})
	return &fixture{hub: h, tr: tr, store: st, blobs: blobs}
}

func (f *fixture) connect(t *testing.T, connID, username string) {
	t.Helper()
	var id *users.Identity
	if username != "" {
		id = &users.Identity{Username: username}
	}
	require.NoError(t, f.hub.Connect(context.Background(), connID, id))
}

func (f *fixture) send(t *testing.T, connID, event string, data any) error {
	t.Helper()
	raw, err := Encode(event, data)
	require.NoError(t, err)
	return f.hub.Handle(context.Background(), connID, raw)
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func pngDataURL() string {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func blobCount(t *testing.T, b *media.LocalBlobs) int {
	t.Helper()
	entries, err := os.ReadDir(b.BasePath())
	require.NoError(t, err)
	return len(entries)
}
