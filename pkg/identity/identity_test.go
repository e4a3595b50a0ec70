package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/store"
	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T, s *store.Store) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Logger: storetest.Logger(),
		DB:     s,
		Clock:  clockwork.NewFakeClockAt(testNow),
	})
	require.NoError(t, err)
	return r
}

func TestIdentity_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = Config{Logger: storetest.Logger()}
	require.EqualError(t, cfg.Validate(), "db is required")

	cfg = Config{Logger: storetest.Logger(), DB: storetest.New(t)}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultDomain, cfg.Domain)
	require.NotNil(t, cfg.Clock)
}

func TestIdentity_HashPerson(t *testing.T) {
	t.Parallel()

	h := HashPerson("demo-user")
	require.Len(t, h, 64)
	require.Equal(t, h, HashPerson("demo-user"))
	require.NotEqual(t, h, HashPerson("demo-user2"))
	// sha256("") is a well-known constant.
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashPerson(""))
}

func TestIdentity_EnsurePersonAndPrincipal_Idempotent(t *testing.T) {
	t.Parallel()

	s := storetest.New(t)
	ctx := context.Background()

	err := s.WithTx(ctx, "test", func(tx *sql.Tx) error {
		for range 3 {
			if err := EnsurePersonAndPrincipal(ctx, tx, testNow, "alice", "alice@ocg.local"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, storetest.Count(t, s, "person"))
	require.Equal(t, 1, storetest.Count(t, s, "principal"))

	var email, typ string
	require.NoError(t, s.DB().QueryRow(`SELECT primary_email FROM person WHERE person_id = 'alice'`).Scan(&email))
	require.Equal(t, "alice@ocg.local", email)
	require.NoError(t, s.DB().QueryRow(`SELECT principal_type FROM principal WHERE principal_id = 'alice'`).Scan(&typ))
	require.Equal(t, PrincipalUser, typ)
}

func TestIdentity_EnsurePrincipal_Group(t *testing.T) {
	t.Parallel()

	s := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, EnsurePrincipal(ctx, s.DB(), testNow, "group:analyst"))

	var typ string
	var personID, ref sql.NullString
	require.NoError(t, s.DB().QueryRow(`
		SELECT principal_type, person_id, external_group_ref FROM principal WHERE principal_id = 'group:analyst'
	`).Scan(&typ, &personID, &ref))
	require.Equal(t, PrincipalGroup, typ)
	require.False(t, personID.Valid)
	require.Equal(t, "group:analyst", ref.String)
}

func TestIdentity_ResolveIdentities(t *testing.T) {
	t.Parallel()

	t.Run("one person across three tools", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		r := newTestResolver(t, s)
		ctx := context.Background()

		for i, tool := range []string{"slack", "jira", "github"} {
			storetest.InsertTrace(t, s, storetest.Trace{Tool: tool, Actor: "demo-user", EventTime: testNow.Add(time.Duration(i) * time.Minute)})
		}
		storetest.InsertTrace(t, s, storetest.Trace{Tool: "jira", EventTime: testNow})

		created, err := r.ResolveIdentities(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, created)
		require.Equal(t, 1, storetest.Count(t, s, "person"))
		require.Equal(t, 3, storetest.Count(t, s, "identity"))

		ids, err := r.Identities(ctx, "demo-user")
		require.NoError(t, err)
		require.Len(t, ids, 3)
		require.Equal(t, "github", ids[0].Tool)
		require.Equal(t, "demo-user@ocg.local", ids[0].Email)
		require.InDelta(t, 0.7, ids[0].Confidence, 1e-9)

		groups, err := r.Groups(ctx, "demo-user")
		require.NoError(t, err)
		require.Equal(t, []string{GroupAllUsers}, groups)

		created, err = r.ResolveIdentities(ctx)
		require.NoError(t, err)
		require.Zero(t, created)
		require.Equal(t, 3, storetest.Count(t, s, "identity"))
		require.Equal(t, 1, storetest.Count(t, s, "principal_membership"))
	})

	t.Run("custom domain", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		r, err := NewResolver(Config{Logger: storetest.Logger(), DB: s, Clock: clockwork.NewFakeClockAt(testNow), Domain: "acme.test"})
		require.NoError(t, err)

		storetest.InsertTrace(t, s, storetest.Trace{Actor: "bob", EventTime: testNow})
		_, err = r.ResolveIdentities(context.Background())
		require.NoError(t, err)

		var email string
		require.NoError(t, s.DB().QueryRow(`SELECT email FROM identity WHERE external_user_id = 'bob'`).Scan(&email))
		require.Equal(t, "bob@acme.test", email)
	})

	t.Run("no actors creates no group", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		r := newTestResolver(t, s)

		created, err := r.ResolveIdentities(context.Background())
		require.NoError(t, err)
		require.Zero(t, created)
		require.Zero(t, storetest.Count(t, s, "principal"))
	})
}

func TestIdentity_ResolveIdentities_Concurrent(t *testing.T) {
	t.Parallel()

	s := storetest.New(t)
	ctx := context.Background()
	for i := range 40 {
		storetest.InsertTrace(t, s, storetest.Trace{Actor: fmt.Sprintf("user%02d", i), EventTime: testNow})
	}

	const runs = 4
	var (
		wg   sync.WaitGroup
		errs = make([]error, runs)
	)
	for i := range runs {
		r := newTestResolver(t, s)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ResolveIdentities(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 40, storetest.Count(t, s, "identity"))
	require.Equal(t, 40, storetest.Count(t, s, "person"))
	require.Equal(t, 40, storetest.Count(t, s, "principal_membership"))
}

func TestIdentity_ErasePerson(t *testing.T) {
	t.Parallel()

	s := storetest.New(t)
	r := newTestResolver(t, s)
	ctx := context.Background()

	storetest.InsertTrace(t, s, storetest.Trace{Actor: "carol", EventTime: testNow})
	_, err := r.ResolveIdentities(ctx)
	require.NoError(t, err)
	storetest.SetOptIn(t, s, "carol", true)

	require.NoError(t, r.ErasePerson(ctx, "carol"))
	require.Zero(t, storetest.Count(t, s, "person"))
	require.Zero(t, storetest.Count(t, s, "identity"))
	require.Zero(t, storetest.Count(t, s, "personal_opt_in"))
	require.Equal(t, 1, storetest.Count(t, s, "trace_event"))

	entries, err := store.AuditLog(ctx, s.DB(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "person_erase", entries[0].Action)
	require.NotContains(t, entries[0].MetadataJSON, "carol")
}
