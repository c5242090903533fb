package fieldstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/internal/slot"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_get_returns_copy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", Writes: slot.Fields{"a": "1"}, ExpectedVersion: AnyVersion})
	require.NoError(t, err)

	snap, err := s.Get(ctx, "t1", "p1")
	require.NoError(t, err)
	snap.Fields["a"] = "mutated"

	again, err := s.Get(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", again.Fields["a"])
}

func TestMemoryStore_concurrent_apply(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, Mutation{
				TenantID: "t1", ProjectID: "p1", ExpectedVersion: AnyVersion,
				Writes: slot.Fields{fmt.Sprintf("battery%d_make", i+1): "Tesla"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := s.Get(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Len(t, snap.Fields, writers)
	assert.Equal(t, int64(writers), snap.Version)
}

func TestMemoryStore_optimistic_race_has_one_winner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, Mutation{
				TenantID: "t1", ProjectID: "p1", ExpectedVersion: 0,
				Writes: slot.Fields{"a": fmt.Sprint(i)},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
