package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/analytics"
	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/personal"
	"github.com/malbeclabs/contextgraph/pkg/suggest"
)

const maxConnectorConfigBytes = 64 << 10

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Validation("invalid %q timestamp %q: expected RFC 3339", name, raw)
	}
	return t.UTC(), nil
}

func (s *Server) personalTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth, _ := AuthFromContext(ctx)
	from, err := parseTimeParam(r, "from")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if _, err := s.cfg.Personal.BuildTimeline(ctx, auth.PersonID, auth.PrincipalIDs); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items, err := s.cfg.Personal.Timeline(ctx, auth.PersonID, from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []personal.TimelineItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) personalTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth, _ := AuthFromContext(ctx)
	if _, err := s.cfg.Personal.BuildTimeline(ctx, auth.PersonID, auth.PrincipalIDs); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if _, err := s.cfg.Personal.SegmentTasks(ctx, auth.PersonID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	tasks, err := s.cfg.Personal.Tasks(ctx, auth.PersonID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []personal.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type optInRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) personalOptIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth, _ := AuthFromContext(ctx)
	var req optInRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.cfg.Personal.SetOptIn(ctx, auth.PersonID, *req.Enabled); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"person_id": auth.PersonID, "opt_in_aggregation": *req.Enabled})
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.cfg.Analytics.Processes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if procs == nil {
		procs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
}

func (s *Server) processPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.cfg.Analytics.Patterns(r.Context(), chi.URLParam(r, "processKey"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if patterns == nil {
		patterns = []analytics.PatternSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *Server) processVariants(w http.ResponseWriter, r *http.Request) {
	processKey := chi.URLParam(r, "processKey")
	patterns, err := s.cfg.Analytics.Patterns(r.Context(), processKey)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(patterns) == 0 {
		writeError(w, r, http.StatusNotFound, "Process not found.")
		return
	}
	patternID := patterns[0].PatternID
	variants, err := s.cfg.Analytics.Variants(r.Context(), patternID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process_key": processKey, "pattern_id": patternID, "variants": nonNilVariants(variants)})
}

func (s *Server) patternVariants(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	variants, err := s.cfg.Analytics.Variants(r.Context(), patternID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(variants) == 0 {
		writeError(w, r, http.StatusNotFound, "Pattern not found.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern_id": patternID, "k_anonymous": true, "variants": variants})
}

func (s *Server) patternEdges(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	edges, err := s.cfg.Analytics.Edges(r.Context(), patternID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if edges == nil {
		edges = []analytics.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern_id": patternID, "edges": edges})
}

func (s *Server) patternBottlenecks(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	bottlenecks, err := s.cfg.Analytics.Bottlenecks(r.Context(), patternID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if bottlenecks == nil {
		bottlenecks = []analytics.Bottleneck{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern_id": patternID, "bottlenecks": bottlenecks})
}

func nonNilVariants(v []analytics.Variant) []analytics.Variant {
	if v == nil {
		return []analytics.Variant{}
	}
	return v
}

type stepRequest struct {
	ActionType     string   `json:"action_type"`
	ToolFamily     string   `json:"tool_family"`
	ProcessTags    []string `json:"process_tags"`
	EntityTypeTags []string `json:"entity_type_tags"`
}

type nextStepsRequest struct {
	ProcessKey  string        `json:"process_key"`
	RecentSteps []stepRequest `json:"recent_steps"`
	Limit       *int          `json:"limit"`
}

func (s *Server) suggestNextSteps(w http.ResponseWriter, r *http.Request) {
	var req nextStepsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	limit := suggest.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	steps := make([]aggregation.Step, 0, len(req.RecentSteps))
	for _, st := range req.RecentSteps {
		if st.ActionType == "" || st.ToolFamily == "" {
			writeError(w, r, http.StatusBadRequest, "recent_steps require action_type and tool_family")
			return
		}
		steps = append(steps, aggregation.Step{
			ActionType:     st.ActionType,
			ToolFamily:     st.ToolFamily,
			ProcessTags:    nonNilStrings(st.ProcessTags),
			EntityTypeTags: nonNilStrings(st.EntityTypeTags),
		})
	}
	suggestions, err := s.cfg.Suggest.SuggestNextSteps(r.Context(), req.ProcessKey, steps, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []suggest.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_steps": suggestions})
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

type connectorSummary struct {
	Tool      string    `json:"tool"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Connectors.ListConnectors(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]connectorSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, connectorSummary{Tool: row.Tool, Enabled: row.Enabled, UpdatedAt: row.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": out})
}

// knownTool writes a 404 and reports false when tool has no registered connector.
func (s *Server) knownTool(w http.ResponseWriter, r *http.Request) (string, bool) {
	tool := chi.URLParam(r, "tool")
	if !s.cfg.Registry.Has(tool) {
		writeError(w, r, http.StatusNotFound, "Connector not supported.")
		return "", false
	}
	return tool, true
}

func (s *Server) enableConnector(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.knownTool(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConnectorConfigBytes))
	if err != nil {
		s.writeServiceError(w, r, errs.Validation("invalid request body: %v", err))
		return
	}
	cfg, err := connector.DecodeConfig(body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	row, err := s.cfg.Connectors.SetConnectorEnabled(r.Context(), tool, true, cfg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": tool, "enabled": row.Enabled})
}

func (s *Server) disableConnector(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.knownTool(w, r)
	if !ok {
		return
	}
	// Disabling keeps the stored configuration so the connector can be re-enabled as is.
	var cfg connector.Config
	existing, err := s.cfg.Connectors.ConnectorConfig(r.Context(), tool)
	switch {
	case err == nil:
		cfg = existing.Config
	case !errors.Is(err, errs.ErrNotFound):
		s.writeServiceError(w, r, err)
		return
	}
	row, err := s.cfg.Connectors.SetConnectorEnabled(r.Context(), tool, false, cfg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": tool, "enabled": row.Enabled})
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.knownTool(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	c, cfg, enabled, err := s.cfg.Connectors.Enabled(ctx, tool)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !enabled {
		writeError(w, r, http.StatusConflict, "Connector is disabled.")
		return
	}
	counts, err := s.cfg.Connectors.IngestBatch(ctx, c, cfg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	synced, err := s.cfg.Connectors.SyncPermissions(ctx, c, cfg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingest": counts, "permissions_sync": synced})
}

func (s *Server) connectorHealth(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	row, err := s.cfg.Connectors.ConnectorConfig(r.Context(), tool)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "Connector not configured.")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := "healthy"
	if !row.Enabled {
		status = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool":            tool,
		"enabled":         row.Enabled,
		"last_checked_at": s.cfg.Clock.Now().UTC(),
		"status":          status,
	})
}

func (s *Server) getRetention(w http.ResponseWriter, r *http.Request) {
	ret, err := s.cfg.Analytics.Retention(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retention": ret})
}

type retentionRequest struct {
	Enabled     *bool `json:"retention_enabled"`
	RawDays     *int  `json:"raw_days"`
	TraceDays   *int  `json:"trace_days"`
	ContextDays *int  `json:"context_days"`
}

func (s *Server) setRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "retention_enabled is required")
		return
	}
	ret, err := s.cfg.Analytics.Retention(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ret.Enabled = *req.Enabled
	if req.RawDays != nil {
		ret.RawDays = *req.RawDays
	}
	if req.TraceDays != nil {
		ret.TraceDays = *req.TraceDays
	}
	if req.ContextDays != nil {
		ret.ContextDays = *req.ContextDays
	}
	auth, _ := AuthFromContext(r.Context())
	stored, err := s.cfg.Analytics.SetRetention(r.Context(), auth.Role, ret)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retention": stored})
}
