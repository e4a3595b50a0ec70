package aggregation

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/identity"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, s *store.Store) *Service {
	t.Helper()
	svc, err := New(Config{Logger: storetest.Logger(), DB: s, Clock: clockwork.NewFakeClockAt(testNow)})
	require.NoError(t, err)
	return svc
}

func insertTask(t *testing.T, s *store.Store, personID string, start, end time.Time, members ...string) {
	t.Helper()
	ids, err := store.EncodeJSON(members)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(context.Background(), `
		INSERT INTO personal_task (personal_task_id, person_id, start_time, end_time, label, confidence, member_trace_event_ids)
		VALUES ($1, $2, $3, $4, 'task:test', 0.8, $5)
	`, uuid.NewString(), personID, start, end, ids)
	require.NoError(t, err)
}

func ticketStep(action string, delta int64) Step {
	return Step{
		ActionType:          action,
		ToolFamily:          "tickets",
		EntityTypeTags:      []string{"Ticket"},
		ProcessTags:         []string{"action:" + action},
		DeltaTimeMsFromPrev: delta,
	}
}

func trace(person string, outcome string, steps ...Step) AbstractTrace {
	return AbstractTrace{
		ID:         uuid.NewString(),
		ProcessKey: ProcessKey(steps),
		Steps:      steps,
		Outcome:    outcome,
		PersonHash: identity.HashPerson(person),
	}
}

func TestAggregation_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.EqualError(t, cfg.Validate(), "logger is required")
	cfg = Config{Logger: storetest.Logger()}
	require.EqualError(t, cfg.Validate(), "db is required")
	cfg = Config{Logger: storetest.Logger(), DB: storetest.New(t)}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestAggregation_StepHash(t *testing.T) {
	t.Parallel()

	a := ticketStep("status_change", 0)
	b := ticketStep("status_change", 5000)
	b.ProcessTags = nil
	require.Equal(t, StepHash(a), StepHash(b), "timing and process tags do not contribute")
	require.Len(t, StepHash(a), 16)

	c := ticketStep("comment", 0)
	require.NotEqual(t, StepHash(a), StepHash(c))

	d := a
	d.EntityTypeTags = []string{"Ticket", "Epic"}
	require.NotEqual(t, StepHash(a), StepHash(d))
}

func TestAggregation_ProcessKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unknown:empty", ProcessKey(nil))
	require.Equal(t, "tickets:action=open", ProcessKey([]Step{ticketStep("open", 0), ticketStep("close", 10)}))
	require.Equal(t, StepHash(ticketStep("open", 0))+"->"+StepHash(ticketStep("close", 0)),
		Signature([]Step{ticketStep("open", 0), ticketStep("close", 10)}))
}

func TestAggregation_P95Index(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 10, 20, 21, 100} {
		require.Equal(t, n-1, p95Index(n), "n=%d", n)
	}
}

func TestAggregation_Cluster(t *testing.T) {
	t.Parallel()

	t.Run("below k is withheld without edges or variants", func(t *testing.T) {
		t.Parallel()
		traces := []AbstractTrace{
			trace("alice", OutcomeFast, ticketStep("open", 0), ticketStep("close", 1000)),
			trace("bob", OutcomeFast, ticketStep("open", 0), ticketStep("close", 3000)),
		}
		patterns := Cluster(traces, 5, 1)
		require.Len(t, patterns, 1)
		require.False(t, patterns[0].Published)
		require.Equal(t, 2, patterns[0].DistinctUsers)
		require.Equal(t, 2, patterns[0].DistinctTraces)
		require.Empty(t, patterns[0].Edges)
		require.Empty(t, patterns[0].Variants)
	})

	t.Run("published pattern starts at the synthetic origin", func(t *testing.T) {
		t.Parallel()
		traces := []AbstractTrace{
			trace("alice", OutcomeFast, ticketStep("open", 0), ticketStep("close", 1000)),
			trace("alice", OutcomeSlow, ticketStep("open", 0), ticketStep("close", 3000)),
			trace("bob", OutcomeFast, ticketStep("open", 0), ticketStep("close", 2000)),
		}
		patterns := Cluster(traces, 2, 3)
		require.Len(t, patterns, 1)
		p := patterns[0]
		require.True(t, p.Published)
		require.Equal(t, 2, p.DistinctUsers)
		require.Equal(t, 3, p.DistinctTraces)

		open, closed := StepHash(ticketStep("open", 0)), StepHash(ticketStep("close", 0))
		require.Len(t, p.Edges, 2)
		var fromStart, toClose Edge
		for _, e := range p.Edges {
			switch e.From {
			case StartHash:
				fromStart = e
			case open:
				toClose = e
			}
		}
		require.Equal(t, open, fromStart.To)
		require.Equal(t, 3, fromStart.Count)
		require.InDelta(t, 1.0, fromStart.Probability, 1e-9)
		require.Equal(t, closed, toClose.To)
		require.Equal(t, int64(2000), toClose.P50Ms)
		require.Equal(t, int64(3000), toClose.P95Ms)

		require.Len(t, p.Variants, 1)
		require.Equal(t, 1, p.Variants[0].Rank)
		require.Equal(t, []string{open, closed}, p.Variants[0].StepHashes)
		require.InDelta(t, 1.0, p.Variants[0].Frequency, 1e-9)
		require.InDelta(t, 2.0/3.0, p.Variants[0].OutcomeStats[OutcomeFast], 1e-9)
		require.InDelta(t, 1.0/3.0, p.Variants[0].OutcomeStats[OutcomeSlow], 1e-9)
	})

	t.Run("n gate applies independently of k", func(t *testing.T) {
		t.Parallel()
		traces := []AbstractTrace{
			trace("alice", OutcomeFast, ticketStep("open", 0)),
			trace("bob", OutcomeFast, ticketStep("open", 0)),
		}
		require.False(t, Cluster(traces, 1, 3)[0].Published)
		require.True(t, Cluster(traces, 2, 2)[0].Published)
	})

	t.Run("output does not depend on input order", func(t *testing.T) {
		t.Parallel()
		var traces []AbstractTrace
		for i, person := range []string{"a", "b", "c", "d", "e", "f"} {
			traces = append(traces,
				trace(person, OutcomeFast, ticketStep("open", 0), ticketStep("comment", int64(i*100)), ticketStep("close", 50)),
				trace(person, OutcomeSlow, ticketStep("open", 0), ticketStep("close", int64(i*1000))),
				trace(person, OutcomeFast, ticketStep("triage", 0)),
			)
		}
		want := Cluster(traces, 2, 2)
		require.Len(t, want, 3)

		r := rand.New(rand.NewPCG(1, 2))
		for range 5 {
			shuffled := append([]AbstractTrace(nil), traces...)
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			if diff := cmp.Diff(want, Cluster(shuffled, 2, 2)); diff != "" {
				t.Fatalf("cluster output changed with input order (-want +got):\n%s", diff)
			}
		}
	})
}

func TestAggregation_AbstractOptedInTraces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("nobody opted in clears existing traces", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)

		_, err := s.DB().ExecContext(ctx, `
			INSERT INTO abstract_trace (abstract_trace_id, process_key, steps_json, outcome, created_at, eligible, source_person_id_hash)
			VALUES ('old', 'unknown:empty', '[]', 'resolved_fast', $1, TRUE, 'h')
		`, testNow)
		require.NoError(t, err)
		storetest.SetOptIn(t, s, "alice", false)

		n, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Zero(t, storetest.Count(t, s, "abstract_trace"))
	})

	t.Run("opting out removes the last person's published patterns", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)

		storetest.InsertTrace(t, s, storetest.Trace{ID: "c1", Actor: "carol", ActionType: "open", EventTime: testNow})
		insertTask(t, s, "carol", testNow, testNow, "c1")
		storetest.SetOptIn(t, s, "carol", true)

		n, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		res, err := svc.ClusterAndPublish(ctx, 1, 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Published)

		storetest.SetOptIn(t, s, "carol", false)
		n, err = svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		res, err = svc.ClusterAndPublish(ctx, 1, 1)
		require.NoError(t, err)
		require.Zero(t, res.Published)
		require.Zero(t, storetest.Count(t, s, "abstract_trace"))
		require.Zero(t, storetest.Count(t, s, "context_pattern"))
	})

	t.Run("abstracts opted-in tasks only", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)

		tags := map[string]any{"entity_type_tags": []string{"Ticket"}}
		storetest.InsertTrace(t, s, storetest.Trace{ID: "a1", Actor: "alice", ActionType: "open", EventTime: testNow, Tags: tags})
		storetest.InsertTrace(t, s, storetest.Trace{ID: "a2", Actor: "alice", ActionType: "close", EventTime: testNow.Add(48 * time.Hour), Tags: tags})
		storetest.InsertTrace(t, s, storetest.Trace{ID: "a0", Actor: "alice", ActionType: "comment", EventTime: testNow.Add(48 * time.Hour)})
		insertTask(t, s, "alice", testNow, testNow.Add(48*time.Hour), "a2", "a1", "a0")

		storetest.InsertTrace(t, s, storetest.Trace{ID: "b1", Actor: "bob", EventTime: testNow})
		insertTask(t, s, "bob", testNow, testNow, "b1")

		storetest.SetOptIn(t, s, "alice", true)
		storetest.SetOptIn(t, s, "bob", false)

		before := testutil.ToFloat64(metrics.AbstractTracesCreatedTotal)
		n, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.GreaterOrEqual(t, testutil.ToFloat64(metrics.AbstractTracesCreatedTotal)-before, 1.0)

		traces, err := LoadTraces(ctx, s.DB(), "")
		require.NoError(t, err)
		require.Len(t, traces, 1)
		tr := traces[0]
		require.Equal(t, "tickets:action=open", tr.ProcessKey)
		require.Equal(t, OutcomeSlow, tr.Outcome)
		require.Equal(t, identity.HashPerson("alice"), tr.PersonHash)

		require.Equal(t, []Step{
			{ActionType: "open", ToolFamily: "tickets", EntityTypeTags: []string{"Ticket"}, ProcessTags: []string{"action:open"}, DeltaTimeMsFromPrev: 0},
			{ActionType: "comment", ToolFamily: "tickets", EntityTypeTags: []string{}, ProcessTags: []string{"action:comment"}, DeltaTimeMsFromPrev: maxDeltaMs},
			{ActionType: "close", ToolFamily: "tickets", EntityTypeTags: []string{"Ticket"}, ProcessTags: []string{"action:close"}, DeltaTimeMsFromPrev: 0},
		}, tr.Steps)

		// Rerunning replaces rather than appends.
		n, err = svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 1, storetest.Count(t, s, "abstract_trace"))
	})

	t.Run("fast outcome under one hour", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)

		storetest.InsertTrace(t, s, storetest.Trace{ID: "c1", Actor: "carol", EventTime: testNow})
		insertTask(t, s, "carol", testNow, testNow.Add(59*time.Minute), "c1")
		storetest.SetOptIn(t, s, "carol", true)

		_, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		traces, err := LoadTraces(ctx, s.DB(), "tickets:action=status_change")
		require.NoError(t, err)
		require.Len(t, traces, 1)
		require.Equal(t, OutcomeFast, traces[0].Outcome)
	})
}

func TestAggregation_ClusterAndPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	seed := func(t *testing.T, s *store.Store, persons ...string) {
		t.Helper()
		for _, p := range persons {
			first := storetest.InsertTrace(t, s, storetest.Trace{Actor: p, ActionType: "open", EventTime: testNow})
			second := storetest.InsertTrace(t, s, storetest.Trace{Actor: p, ActionType: "close", EventTime: testNow.Add(10 * time.Minute)})
			insertTask(t, s, p, testNow, testNow.Add(10*time.Minute), first, second)
			storetest.SetOptIn(t, s, p, true)
		}
	}

	t.Run("rejects invalid thresholds", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, storetest.New(t))
		_, err := svc.ClusterAndPublish(ctx, 0, 1)
		require.Error(t, err)
		_, err = svc.ClusterAndPublish(ctx, 1, 0)
		require.Error(t, err)
	})

	t.Run("two users below k=5 are withheld", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)
		seed(t, s, "alice", "bob")

		_, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)
		res, err := svc.ClusterAndPublish(ctx, 5, 1)
		require.NoError(t, err)
		require.Equal(t, Result{Published: 0, Dropped: 1}, res)
		require.Equal(t, 1, storetest.Count(t, s, "context_pattern"))
		require.Zero(t, storetest.Count(t, s, "context_edge"))
		require.Zero(t, storetest.Count(t, s, "context_path_variant"))
	})

	t.Run("k=n=1 publishes and is idempotent", func(t *testing.T) {
		t.Parallel()
		s := storetest.New(t)
		svc := newTestService(t, s)
		seed(t, s, "alice")

		_, err := svc.AbstractOptedInTraces(ctx)
		require.NoError(t, err)

		res, err := svc.ClusterAndPublish(ctx, 1, 1)
		require.NoError(t, err)
		require.Equal(t, Result{Published: 1}, res)

		var startEdges int
		require.NoError(t, s.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM context_edge WHERE from_step_hash = $1`, StartHash).Scan(&startEdges))
		require.Equal(t, 1, startEdges)

		var timing string
		require.NoError(t, s.DB().QueryRowContext(ctx,
			`SELECT timing_stats_json FROM context_edge WHERE from_step_hash <> $1`, StartHash).Scan(&timing))
		require.JSONEq(t, `{"p50_ms": 600000, "p95_ms": 600000}`, timing)

		var hashes, outcomes string
		require.NoError(t, s.DB().QueryRowContext(ctx,
			`SELECT step_hashes, outcome_stats_json FROM context_path_variant`).Scan(&hashes, &outcomes))
		require.JSONEq(t, `{"resolved_fast": 1}`, outcomes)

		res, err = svc.ClusterAndPublish(ctx, 1, 1)
		require.NoError(t, err)
		require.Equal(t, Result{Published: 1}, res)
		require.Equal(t, 1, storetest.Count(t, s, "context_pattern"))
		require.Equal(t, 2, storetest.Count(t, s, "context_edge"))
		require.Equal(t, 1, storetest.Count(t, s, "context_path_variant"))
	})
}
