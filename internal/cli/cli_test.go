package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/config"
	"github.com/malbeclabs/contextgraph/pkg/jobs"
	"github.com/malbeclabs/contextgraph/pkg/personal"
	"github.com/malbeclabs/contextgraph/pkg/store"
	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

type harness struct {
	db       *store.Store
	clock    *clockwork.FakeClock
	settings config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		db:       storetest.New(t),
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		settings: config.Default(),
	}
}

func (h *harness) run(t *testing.T, args ...string) (ExitCode, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), &Options{
		Out:      &out,
		Err:      &errOut,
		Settings: h.settings,
		Clock:    h.clock,
		Logger:   storetest.Logger(),
		DB:       h.db,
	}, args)
	return code, out.String(), errOut.String()
}

func TestCLI_Migrate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, out, _ := h.run(t, "migrate")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "migrated\n", out)
}

func TestCLI_WorkerRun(t *testing.T) {
	t.Parallel()

	t.Run("unknown job exits with usage code", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		code, _, errOut := h.run(t, "worker-run", "reindex")
		require.Equal(t, exitCodeUsage, code)
		require.Contains(t, errOut, "unknown job reindex")
	})

	t.Run("disabled connector is skipped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		code, out, _ := h.run(t, "worker-run", "ingest", "slack")
		require.Equal(t, exitCodeSuccess, code)

		var outcome jobs.Outcome
		require.NoError(t, json.Unmarshal([]byte(out), &outcome))
		require.Equal(t, jobs.StatusSkipped, outcome.Status)
		require.Equal(t, jobs.ReasonConnectorDisabled, outcome.Reason)
		require.Equal(t, 1, storetest.Count(t, h.db, "job_run"))
	})

	t.Run("missing argument fails", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		code, _, errOut := h.run(t, "worker-run", "permissions")
		require.Equal(t, exitCodeError, code)
		require.Contains(t, errOut, "requires exactly one tool argument")
	})
}

func TestCLI_Connectors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	code, out, _ := h.run(t, "connectors", "list")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "no connector config\n", out)

	code, out, _ = h.run(t, "connectors", "enable", "jira", "--projects", "OPS")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "jira: enabled=true\n", out)

	code, _, errOut := h.run(t, "connectors", "enable", "jira", "--scopes", "write:issues")
	require.Equal(t, exitCodeError, code)
	require.Contains(t, errOut, "write:issues")

	code, _, errOut = h.run(t, "connectors", "enable", "notion")
	require.Equal(t, exitCodeUsage, code)
	require.Contains(t, errOut, "unknown connector notion")

	code, out, _ = h.run(t, "connectors", "disable", "jira")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "jira: enabled=false\n", out)

	code, out, _ = h.run(t, "connectors", "list")
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, out, "jira")
	require.Contains(t, out, "false")
}

func TestCLI_ConnectorsEnableFromFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "slack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  token_ref: env:TEAM_SLACK_TOKEN
scopes: [channels:history]
channels: [C1, C2]
poll_interval_seconds: 120
`), 0o600))

	code, out, _ := h.run(t, "connectors", "enable", "slack", "--config", path, "--channels", "C9")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "slack: enabled=true\n", out)

	var raw string
	require.NoError(t, h.db.DB().QueryRowContext(context.Background(),
		`SELECT config_json FROM connector_config WHERE tool = 'slack'`).Scan(&raw))
	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Equal(t, map[string]any{"token_ref": "env:TEAM_SLACK_TOKEN"}, stored["auth"])
	require.Equal(t, []any{"C9"}, stored["channels"])
	require.Equal(t, float64(120), stored["poll_interval_seconds"])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("auth:\n  token_ref: env:X\nchannel: C1\n"), 0o600))
	code, _, errOut := h.run(t, "connectors", "enable", "slack", "--config", bad)
	require.Equal(t, exitCodeError, code)
	require.Contains(t, errOut, "invalid connector config")
}

func TestCLI_SeedDemo(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, out, errOut := h.run(t, "seed", "demo")
	require.Equal(t, exitCodeSuccess, code, errOut)
	require.Equal(t, "demo seed complete\n", out)

	require.Equal(t, 3, storetest.Count(t, h.db, "connector_config"))
	require.Positive(t, storetest.Count(t, h.db, "trace_event"))

	code, out, _ = h.run(t, "connectors", "list")
	require.Equal(t, exitCodeSuccess, code)
	for _, tool := range []string{"github", "jira", "slack"} {
		require.Contains(t, out, tool)
	}

	code, out, _ = h.run(t, "cycle", "--drain")
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, out, `"enabled_connectors"`)
	require.Contains(t, out, "drained 8 jobs")

	code, out, _ = h.run(t, "queues")
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, out, "CONNECTOR_INGEST")

	code, out, _ = h.run(t, "jobs", "--limit", "50")
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, out, "succeeded")
}

func TestCLI_ExportAndDeleteUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, _, errOut := h.run(t, "seed", "demo")
	require.Equal(t, exitCodeSuccess, code, errOut)

	path := filepath.Join(t.TempDir(), "nested", "export.json")
	code, out, _ := h.run(t, "export-user", "demo-user", "--output", path)
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "exported demo-user to "+path+"\n", out)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var export personal.Export
	require.NoError(t, json.Unmarshal(raw, &export))
	require.Equal(t, "demo-user", export.PersonID)
	require.True(t, export.OptIn)

	code, out, _ = h.run(t, "delete-user", "demo-user")
	require.Equal(t, exitCodeSuccess, code)
	require.Equal(t, "deleted user scope for demo-user\n", out)
	require.Zero(t, storetest.Count(t, h.db, "personal_task"))
	require.Zero(t, storetest.Count(t, h.db, "personal_opt_in"))
}

func TestCLI_Purge(t *testing.T) {
	t.Parallel()

	t.Run("refused while retention is disabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.settings.RetentionEnabled = false
		code, _, errOut := h.run(t, "purge")
		require.Equal(t, exitCodeUsage, code)
		require.Contains(t, errOut, "retention disabled; refusing purge")
	})

	t.Run("reports deleted rows", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		storetest.InsertTrace(t, h.db, storetest.Trace{EventTime: h.clock.Now().AddDate(-1, 0, 0)})
		code, out, _ := h.run(t, "purge")
		require.Equal(t, exitCodeSuccess, code)
		require.Contains(t, out, `"trace_event": 1`)
		require.Zero(t, storetest.Count(t, h.db, "trace_event"))
	})
}

func TestCLI_Suggest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, _, errOut := h.run(t, "suggest", "incident_response", "--step", "create")
	require.Equal(t, exitCodeUsage, code)
	require.Contains(t, errOut, "expected action_type:tool_family")

	code, out, _ := h.run(t, "suggest", "incident_response", "--step", "create:tickets")
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, out, "Probability")
}
