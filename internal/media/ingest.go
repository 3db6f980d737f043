// Package media decodes inline uploads and persists them as blobs that
// messages reference by key.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/store"
)

// Upload is one inline media payload as received from a client.
type Upload struct {
	Sender       string
	Kind         store.Kind
	Payload      string // "data:<mime>;base64,<data>"
	OriginalName string // file uploads only
}

// Ingestor turns uploads into stored blob references.
type Ingestor struct {
	blobs    Blobs
	maxBytes int64
	now      func() time.Time
	suffix   func() string
	log      zerolog.Logger
}

// NewIngestor returns an Ingestor writing to blobs. maxBytes caps the decoded
// size; zero or less disables the cap.
func NewIngestor(blobs Blobs, maxBytes int64, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		blobs:    blobs,
		maxBytes: maxBytes,
		now:      time.Now,
		suffix:   shortID,
		log:      log.With().Str("component", "media").Logger(),
	}
}

// WithClock overrides the time source used in generated keys.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// Ingest decodes u and stores it, returning the key to persist as message
// content. Malformed payloads fail with errs.ErrDecode.
func (in *Ingestor) Ingest(ctx context.Context, u Upload) (string, error) {
	if u.Kind != store.KindImage && u.Kind != store.KindFile {
		return "", fmt.Errorf("%w: kind %q cannot carry media", errs.ErrInvalidPayload, u.Kind)
	}

	data, err := in.decode(u.Payload)
	if err != nil {
		return "", err
	}

	mime := mimetype.Detect(data)
	key := in.key(u, mime.Extension())

	if err := in.blobs.Write(ctx, key, bytes.NewReader(data), int64(len(data)), mime.String()); err != nil {
		return "", fmt.Errorf("store media %s: %w", key, err)
	}

	in.log.Debug().
		Str(logging.FieldUsername, u.Sender).
		Str(logging.FieldKind, string(u.Kind)).
		Str("key", key).
		Str("mime", mime.String()).
		Int("bytes", len(data)).
		Msg("media stored")

	return key, nil
}

// Discard removes a stored blob. It is used to roll back an upload whose
// message could not be persisted, and when a media message is deleted.
func (in *Ingestor) Discard(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	return in.blobs.Delete(ctx, ref)
}

// decode splits the data-URL header from the base64 body.
func (in *Ingestor) decode(payload string) ([]byte, error) {
	_, encoded, ok := strings.Cut(payload, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing header separator", errs.ErrDecode)
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty payload", errs.ErrDecode)
	}
	if in.maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(encoded))) > in.maxBytes+2 {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", errs.ErrDecode, in.maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errs.ErrDecode)
	}
	if in.maxBytes > 0 && int64(len(data)) > in.maxBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", errs.ErrDecode, in.maxBytes)
	}
	return data, nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

// key builds a name from sender, a nanosecond stamp and a random suffix, so
// two uploads in the same instant never share a key.
func (in *Ingestor) key(u Upload, sniffedExt string) string {
	sender := safeName(u.Sender)
	if sender == "" {
		sender = "anonymous"
	}
	stamp := fmt.Sprintf("%d_%s", in.now().UTC().UnixNano(), in.suffix())

	if u.Kind == store.KindImage {
		ext := sniffedExt
		if ext == "" {
			ext = ".png"
		}
		return fmt.Sprintf("msg_%s_%s%s", sender, stamp, ext)
	}

	ext := safeName(strings.TrimPrefix(filepath.Ext(u.OriginalName), "."))
	if ext == "" {
		ext = strings.TrimPrefix(sniffedExt, ".")
	}
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("file_%s_%s.%s", sender, stamp, ext)
}

// safeName keeps ASCII letters, digits, dot, dash and underscore, replacing
// everything else with an underscore. Leading dots are dropped.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	return strings.TrimLeft(s, ".")
}
