package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "alpha")
	r.Join("c1", "alpha")
	r.Join("c2", "alpha")

	require.Equal(t, []string{"c1", "c2"}, r.Members("alpha"))
	require.Equal(t, []string{"alpha"}, r.RoomsOf("c1"))
}

func TestRegistry_LeaveWithoutJoin(t *testing.T) {
	r := NewRegistry()
	r.Leave("c1", "alpha")
	require.Empty(t, r.Members("alpha"))

	r.Join("c2", "alpha")
	r.Leave("c1", "alpha")
	require.Equal(t, []string{"c2"}, r.Members("alpha"))
}

func TestRegistry_NetMembership(t *testing.T) {
	tests := []struct {
		name string
		ops  []string
		want bool
	}{
		{"join", []string{"j"}, true},
		{"join leave", []string{"j", "l"}, false},
		{"leave join", []string{"l", "j"}, true},
		{"join join leave", []string{"j", "j", "l"}, false},
		{"join leave join", []string{"j", "l", "j"}, true},
		{"leave leave", []string{"l", "l"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, op := range tt.ops {
				if op == "j" {
					r.Join("c", "room")
				} else {
					r.Leave("c", "room")
				}
			}
			require.Equal(t, tt.want, len(r.Members("room")) == 1)
			require.Equal(t, tt.want, len(r.RoomsOf("c")) == 1)
		})
	}
}

func TestRegistry_LeaveAll(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	r.Join("c1", "beta")
	r.Join("c1", "alpha")
	r.Join("c2", "alpha")

	req.Equal([]string{"alpha", "beta"}, r.LeaveAll("c1"))
	req.Equal([]string{"c2"}, r.Members("alpha"))
	req.Empty(r.Members("beta"))
	req.Empty(r.RoomsOf("c1"))

	req.Empty(r.LeaveAll("c1"))
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const conns = 50
	var wg sync.WaitGroup

	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := 0; j < 10; j++ {
				room := fmt.Sprintf("room-%d", j)
				r.Join(id, room)
				_ = r.Members(room)
			}
			if i%2 == 0 {
				r.LeaveAll(id)
			}
		}(i)
	}
	wg.Wait()

	for j := 0; j < 10; j++ {
		require.Len(t, r.Members(fmt.Sprintf("room-%d", j)), conns/2)
	}
}
