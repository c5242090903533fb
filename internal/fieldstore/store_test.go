package fieldstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("unknown project is empty", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Get(ctx, "t1", "missing")
		require.NoError(t, err)
		assert.Empty(t, snap.Fields)
		assert.Equal(t, int64(0), snap.Version)
	})

	t.Run("apply writes and deletes atomically", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Apply(ctx, Mutation{
			TenantID: "t1", ProjectID: "p1", ExpectedVersion: 0, ActorID: "u1",
			Writes: slot.Fields{"battery1_make": "Tesla", "battery1_model": "Powerwall 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Version)
		assert.Equal(t, slot.Fields{"battery1_make": "Tesla", "battery1_model": "Powerwall 3"}, snap.Fields)

		snap, err = s.Apply(ctx, Mutation{
			TenantID: "t1", ProjectID: "p1", ExpectedVersion: 1,
			Writes: slot.Fields{"battery1_make": "Enphase", "battery1_model": ""},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Version)
		assert.Equal(t, slot.Fields{"battery1_make": "Enphase"}, snap.Fields)

		got, err := s.Get(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, snap.Fields, got.Fields)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", Writes: slot.Fields{"a": "1"}, ExpectedVersion: 0})
		require.NoError(t, err)

		_, err = s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", Writes: slot.Fields{"a": "2"}, ExpectedVersion: 0})
		var env *model.ErrorEnvelope
		require.True(t, errors.As(err, &env))
		assert.Equal(t, model.ErrConflict, env.Code)

		got, err := s.Get(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, "1", got.Fields["a"], "rejected mutation leaves no trace")

		_, err = s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", Writes: slot.Fields{"a": "3"}, ExpectedVersion: AnyVersion})
		require.NoError(t, err)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", Writes: slot.Fields{"a": "1"}, ExpectedVersion: AnyVersion})
		require.NoError(t, err)

		other, err := s.Get(ctx, "t2", "p1")
		require.NoError(t, err)
		assert.Empty(t, other.Fields)
	})

	t.Run("delete by prefix", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, Mutation{TenantID: "t1", ProjectID: "p1", ExpectedVersion: AnyVersion, Writes: slot.Fields{
			"battery1_make":  "Tesla",
			"battery1_model": "Powerwall 3",
			"battery10_make": "Tesla",
			"backup_option":  "Whole Home",
		}})
		require.NoError(t, err)

		n, err := s.Delete(ctx, "t1", "p1", "battery1_")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Get(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, slot.Fields{"battery10_make": "Tesla", "backup_option": "Whole Home"}, got.Fields)
		assert.Equal(t, int64(2), got.Version)

		n, err = s.Delete(ctx, "t1", "p1", "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err = s.Get(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Empty(t, got.Fields)
		assert.Equal(t, int64(0), got.Version)
	})

	t.Run("history newest first", func(t *testing.T) {
		s := newStore(t)
		for i, v := range []string{"1", "2", "3"} {
			_, err := s.Apply(ctx, Mutation{
				TenantID: "t1", ProjectID: "p1", ExpectedVersion: int64(i),
				Writes: slot.Fields{"a": v}, ActorID: "u1", Reason: "edit",
			})
			require.NoError(t, err)
		}

		revs, err := s.History(ctx, "t1", "p1", 2)
		require.NoError(t, err)
		require.Len(t, revs, 2)
		assert.Equal(t, int64(3), revs[0].Version)
		assert.Equal(t, slot.Fields{"a": "3"}, revs[0].Writes)
		assert.Equal(t, "u1", revs[0].ActorID)
		assert.Equal(t, "edit", revs[0].Reason)
		assert.NotEmpty(t, revs[0].ID)
		assert.Equal(t, int64(2), revs[1].Version)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
