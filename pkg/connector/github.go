package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

var githubDefaultScopes = []string{"read:org", "repo:status", "read:user"}

const (
	githubDemoRepo = "acme/context-graph"
	githubDemoURL  = "https://github.com/acme/context-graph"
)

// GitHub produces a deterministic demo batch of one opened pull request.
type GitHub struct {
	clock clockwork.Clock
}

func NewGitHub(clock clockwork.Clock) *GitHub {
	return &GitHub{clock: clock}
}

func (g *GitHub) Tool() string { return "github" }

func (g *GitHub) Validate(cfg Config) error {
	return validate(cfg, "GitHub", githubDefaultScopes)
}

func (g *GitHub) FetchEvents(_ context.Context, _ Config) ([]Event, error) {
	now := g.clock.Now().UTC()
	return []Event{{
		Tool:            g.Tool(),
		ExternalEventID: fmt.Sprintf("github-%d", now.Unix()),
		FetchedAt:       now,
		Payload: map[string]any{
			"repo":   githubDemoRepo,
			"pr":     42,
			"action": "opened",
			"actor":  "demo-user",
			"ts":     now.Format(time.RFC3339Nano),
		},
		PermissionState: PermissionKnown,
	}}, nil
}

func (g *GitHub) FetchACLs(_ context.Context, _ Config) ([]ResourceDelta, error) {
	return []ResourceDelta{g.delta(githubDemoRepo, PermissionKnown)}, nil
}

func (g *GitHub) Normalize(ev Event) (NormalizedTrace, *ResourceDelta, error) {
	ts, err := payloadTime(ev.Payload)
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	repo, err := payloadString(ev.Payload, "repo")
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	trace := NormalizedTrace{
		Tool:             g.Tool(),
		ToolFamily:       "code",
		ActionType:       "create",
		ExternalEventID:  ev.ExternalEventID,
		EventTime:        ts,
		ActorPrincipalID: optionalString(ev.Payload, "actor"),
		Resource:         &ResourceRef{Type: "repository", ExternalID: repo},
		EntityTags:       map[string]any{"entity_type_tags": []string{"Repository"}, "service": "context-graph"},
		Metadata:         map[string]any{"pr": ev.Payload["pr"], "action": optionalString(ev.Payload, "action")},
		PermissionState:  ev.PermissionState,
	}
	delta := g.delta(repo, ev.PermissionState)
	return trace, &delta, nil
}

func (g *GitHub) delta(repo, state string) ResourceDelta {
	return ResourceDelta{
		Tool:            g.Tool(),
		ResourceType:    "repository",
		ExternalID:      repo,
		URL:             githubDemoURL,
		PermissionState: state,
		ACLPrincipalIDs: demoPrincipals(),
	}
}
