package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/Tyrowin/roomrelay/internal/store/mocks"
)

const testPrefix = "test:history"

func newCachedStore(t *testing.T, inner store.MessageStore) (*store.CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := store.NewCachedStore(inner, store.CacheConfig{
		Address: mr.Addr(),
		Prefix:  testPrefix,
		TTL:     time.Minute,
	}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCachedStore_HistoryIsServedFromCache(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, _ := newCachedStore(t, inner)
	ctx := context.Background()

	want := []store.Message{{ID: 1, Room: "r", SenderUsername: "a", Content: "x", Kind: store.KindText, CreatedAt: time.Unix(10, 0).UTC()}}

	// Only the first read reaches the inner store
	inner.EXPECT().History(gomock.Any(), "r").Return(want, nil).Times(1)

	got, err := c.History(ctx, "r")
	req.NoError(err)
	req.Equal(want, got)

	got, err = c.History(ctx, "r")
	req.NoError(err)
	req.Equal(want, got)
}

func TestCachedStore_WritesInvalidate(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, _ := newCachedStore(t, inner)
	ctx := context.Background()

	first := []store.Message{{ID: 1, Room: "r", Content: "a"}}
	second := []store.Message{{ID: 1, Room: "r", Content: "a"}, {ID: 2, Room: "r", Content: "b"}}

	gomock.InOrder(
		inner.EXPECT().History(gomock.Any(), "r").Return(first, nil),
		inner.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil),
		inner.EXPECT().History(gomock.Any(), "r").Return(second, nil),
		inner.EXPECT().DeleteByRoom(gomock.Any(), "r").Return(int64(2), nil),
		inner.EXPECT().History(gomock.Any(), "r").Return(nil, nil),
	)

	_, err := c.History(ctx, "r")
	req.NoError(err)

	req.NoError(c.Append(ctx, &store.Message{Room: "r", Content: "b"}))
	got, err := c.History(ctx, "r")
	req.NoError(err)
	req.Len(got, 2)

	n, err := c.DeleteByRoom(ctx, "r")
	req.NoError(err)
	req.Equal(int64(2), n)
	got, err = c.History(ctx, "r")
	req.NoError(err)
	req.Empty(got)
}

func TestCachedStore_FailedAppendKeepsCache(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, _ := newCachedStore(t, inner)
	ctx := context.Background()

	inner.EXPECT().History(gomock.Any(), "r").Return([]store.Message{{ID: 1, Room: "r"}}, nil).Times(1)
	inner.EXPECT().Append(gomock.Any(), gomock.Any()).Return(context.DeadlineExceeded)

	_, err := c.History(ctx, "r")
	req.NoError(err)
	req.Error(c.Append(ctx, &store.Message{Room: "r"}))

	got, err := c.History(ctx, "r")
	req.NoError(err)
	req.Len(got, 1)
}

func TestCachedStore_EntryHasTTL(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, mr := newCachedStore(t, inner)

	inner.EXPECT().History(gomock.Any(), "r").Return([]store.Message{{ID: 1, Room: "r"}}, nil).Times(2)

	_, err := c.History(context.Background(), "r")
	req.NoError(err)
	req.True(mr.Exists(testPrefix + ":r"))
	req.Equal(time.Minute, mr.TTL(testPrefix+":r"))

	// an expired entry is reloaded
	mr.FastForward(2 * time.Minute)
	req.False(mr.Exists(testPrefix + ":r"))
	_, err = c.History(context.Background(), "r")
	req.NoError(err)
}

func TestCachedStore_DeleteByIDInvalidatesStoredRoom(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, mr := newCachedStore(t, inner)
	ctx := context.Background()

	inner.EXPECT().History(gomock.Any(), "r").Return([]store.Message{{ID: 4, Room: "r"}}, nil)
	inner.EXPECT().Get(gomock.Any(), uint64(4)).Return(store.Message{ID: 4, Room: "r"}, nil)
	inner.EXPECT().DeleteByID(gomock.Any(), uint64(4)).Return(true, nil)

	_, err := c.History(ctx, "r")
	req.NoError(err)
	req.True(mr.Exists(testPrefix + ":r"))

	deleted, err := c.DeleteByID(ctx, 4)
	req.NoError(err)
	req.True(deleted)
	req.False(mr.Exists(testPrefix + ":r"))
}

func TestCachedStore_UndecodableEntryIsReloaded(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, mr := newCachedStore(t, inner)

	req.NoError(mr.Set(testPrefix+":r", "not json"))
	inner.EXPECT().History(gomock.Any(), "r").Return([]store.Message{{ID: 1, Room: "r"}}, nil)

	got, err := c.History(context.Background(), "r")
	req.NoError(err)
	req.Len(got, 1)
}

func TestCachedStore_ConcurrentMissesShareOneLoad(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockMessageStore(ctrl)
	c, _ := newCachedStore(t, inner)

	entered := make(chan struct{})
	release := make(chan struct{})
	want := []store.Message{{ID: 1, Room: "r", Content: "x"}}
	inner.EXPECT().History(gomock.Any(), "r").DoAndReturn(func(context.Context, string) ([]store.Message, error) {
		close(entered)
		<-release
		return want, nil
	}).Times(1)

	const readers = 8
	results := make([][]store.Message, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.History(context.Background(), "r")
		}(i)
	}

	<-entered
	// give the other readers time to miss and join the load in flight
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, got := range results {
		req.NoError(errs[i])
		req.Equal(want, got)
	}
}
