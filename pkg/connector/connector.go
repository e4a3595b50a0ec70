// Package connector defines the contract between workplace tools and the ingest pipeline,
// along with the read-only Slack, Jira and GitHub connectors.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/contextgraph/pkg/errs"
)

const (
	PermissionKnown   = "KNOWN"
	PermissionUnknown = "UNKNOWN"
)

// Scope markers that make a scope writable. Any scope containing one is rejected.
var forbiddenScopeMarkers = []string{"write", "admin", "delete", "post", "publish", "merge"}

// Event is a raw tool event as fetched, before normalization.
type Event struct {
	Tool            string
	ExternalEventID string
	FetchedAt       time.Time
	Payload         map[string]any
	PermissionState string
}

type ResourceRef struct {
	Type       string
	ExternalID string
}

// NormalizedTrace is the tool-agnostic form of an event.
type NormalizedTrace struct {
	Tool             string
	ToolFamily       string
	ActionType       string
	ExternalEventID  string
	EventTime        time.Time
	ActorPrincipalID string
	Resource         *ResourceRef
	Related          []ResourceRef
	EntityTags       map[string]any
	Metadata         map[string]any
	PermissionState  string
}

// ResourceDelta is the current state of a resource and the principals allowed to see it.
type ResourceDelta struct {
	Tool            string
	ResourceType    string
	ExternalID      string
	URL             string
	Title           string
	PermissionState string
	ACLPrincipalIDs []string
}

type Auth struct {
	TokenRef string `json:"token_ref"`
}

// Config is the per-tool configuration stored in connector_config.config_json.
type Config struct {
	BaseURL             string   `json:"base_url,omitempty"`
	Auth                Auth     `json:"auth"`
	Scopes              []string `json:"scopes,omitempty"`
	Projects            []string `json:"projects,omitempty"`
	Channels            []string `json:"channels,omitempty"`
	PollIntervalSeconds int      `json:"poll_interval_seconds,omitempty"`
}

// ParseConfig decodes a stored connector configuration. Empty input yields the zero Config.
func ParseConfig(raw string) (Config, error) {
	if strings.TrimSpace(raw) == "" {
		return Config{}, nil
	}
	return DecodeConfig([]byte(raw))
}

// Connector is implemented by every supported tool.
type Connector interface {
	Tool() string
	Validate(cfg Config) error
	FetchEvents(ctx context.Context, cfg Config) ([]Event, error)
	FetchACLs(ctx context.Context, cfg Config) ([]ResourceDelta, error)
	Normalize(ev Event) (NormalizedTrace, *ResourceDelta, error)
}

// ValidateReadOnlyScopes rejects any scope that grants write access.
func ValidateReadOnlyScopes(scopes []string) error {
	for _, scope := range scopes {
		lower := strings.ToLower(scope)
		for _, marker := range forbiddenScopeMarkers {
			if strings.Contains(lower, marker) {
				return errs.Validation("Rejected non-read-only scope: %s", scope)
			}
		}
	}
	return nil
}

func validate(cfg Config, name string, defaultScopes []string) error {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if err := ValidateReadOnlyScopes(scopes); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Auth.TokenRef, "env:") {
		return errs.Validation("%s token must be a secret reference (env:...).", name)
	}
	return nil
}

func payloadString(p map[string]any, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("payload is missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("payload field %q is %T, not a string", key, v)
	}
	return s, nil
}

func payloadTime(p map[string]any) (time.Time, error) {
	ts, err := payloadString(p, "ts")
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse event time %q: %w", ts, err)
	}
	return t.UTC(), nil
}

func optionalString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

var demoACL = []string{"group:analyst", "group:admin", "demo-user"}

func demoPrincipals() []string {
	return append([]string(nil), demoACL...)
}
