package permission

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

func newTestEvaluator(t *testing.T, s *store.Store) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(Config{Logger: storetest.Logger(), DB: s})
	require.NoError(t, err)
	return e
}

func TestPermission_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = Config{Logger: storetest.Logger()}
	require.EqualError(t, cfg.Validate(), "db is required")

	cfg = Config{Logger: storetest.Logger(), DB: storetest.New(t)}
	require.NoError(t, cfg.Validate())
}

func TestPermission_ResourceVisible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing resource is invisible", func(t *testing.T) {
		t.Parallel()
		e := newTestEvaluator(t, storetest.New(t))
		ok, err := e.ResourceVisible(ctx, "nope", []string{"alice"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("unknown resource is invisible even with a grant", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		e := newTestEvaluator(t, s)
		id := storetest.InsertResource(t, s, "ENG-1", "UNKNOWN")
		storetest.Grant(t, s, id, "alice")

		before := testutil.ToFloat64(metrics.PermissionUnknownTotal)
		ok, err := e.ResourceVisible(ctx, id, []string{"alice"})
		require.NoError(t, err)
		require.False(t, ok)
		require.GreaterOrEqual(t, testutil.ToFloat64(metrics.PermissionUnknownTotal), before+1)
	})

	t.Run("known resource without grants is invisible", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		e := newTestEvaluator(t, s)
		id := storetest.InsertResource(t, s, "ENG-2", StateKnown)

		ok, err := e.ResourceVisible(ctx, id, []string{"alice", "group:admin"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("visible iff a principal holds an active grant", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		e := newTestEvaluator(t, s)
		id := storetest.InsertResource(t, s, "ENG-3", StateKnown)
		storetest.Grant(t, s, id, "group:analyst")

		ok, err := e.ResourceVisible(ctx, id, []string{"bob", "group:analyst"})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = e.ResourceVisible(ctx, id, []string{"bob"})
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = e.ResourceVisible(ctx, id, nil)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("revocation is seen by every evaluator on the next call", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		first := newTestEvaluator(t, s)
		second := newTestEvaluator(t, s)
		id := storetest.InsertResource(t, s, "ENG-4", StateKnown)
		storetest.Grant(t, s, id, "alice")

		for _, e := range []*Evaluator{first, second} {
			ok, err := e.ResourceVisible(ctx, id, []string{"alice"})
			require.NoError(t, err)
			require.True(t, ok)
		}

		_, err := s.DB().ExecContext(ctx, `UPDATE resource_acl SET revoked_at = $1 WHERE resource_id = $2`, time.Now().UTC(), id)
		require.NoError(t, err)

		for _, e := range []*Evaluator{first, second} {
			ok, err := e.ResourceVisible(ctx, id, []string{"alice"})
			require.NoError(t, err)
			require.False(t, ok)
		}
	})
}

func TestPermission_Checker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := storetest.New(t)
	e := newTestEvaluator(t, s)
	id := storetest.InsertResource(t, s, "ENG-6", StateKnown)
	storetest.Grant(t, s, id, "alice")

	t.Run("reads through the given transaction", func(t *testing.T) {
		tx, err := s.DB().BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `UPDATE resource_acl SET revoked_at = $1 WHERE resource_id = $2`, time.Now().UTC(), id)
		require.NoError(t, err)

		ok, err := e.Checker(tx).ResourceVisible(ctx, id, []string{"alice"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("fresh checkers read the current acl", func(t *testing.T) {
		other := storetest.InsertResource(t, s, "ENG-7", StateKnown)

		ok, err := e.Checker(s.DB()).ResourceVisible(ctx, other, []string{"bob"})
		require.NoError(t, err)
		require.False(t, ok)

		storetest.Grant(t, s, other, "bob")
		ok, err = e.Checker(s.DB()).ResourceVisible(ctx, other, []string{"bob"})
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestPermission_EventVisible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := storetest.New(t)
	e := newTestEvaluator(t, s)
	id := storetest.InsertResource(t, s, "ENG-5", StateKnown)
	storetest.Grant(t, s, id, "alice")

	tests := []struct {
		name       string
		ev         Event
		principals []string
		want       bool
	}{
		{name: "unknown event", ev: Event{PermissionState: "UNKNOWN", ResourceID: id}, principals: []string{"alice"}, want: false},
		{name: "known event without resource", ev: Event{PermissionState: StateKnown}, principals: nil, want: true},
		{name: "known event on granted resource", ev: Event{PermissionState: StateKnown, ResourceID: id}, principals: []string{"alice"}, want: true},
		{name: "known event on ungranted resource", ev: Event{PermissionState: StateKnown, ResourceID: id}, principals: []string{"mallory"}, want: false},
		{name: "known event on missing resource", ev: Event{PermissionState: StateKnown, ResourceID: "gone"}, principals: []string{"alice"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := e.EventVisible(ctx, tt.ev, tt.principals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
