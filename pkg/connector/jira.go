package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

var jiraDefaultScopes = []string{"read:jira-work", "read:jira-user"}

const (
	jiraDemoIssue = "ENG-123"
	jiraDemoURL   = "https://jira.example.com/browse/ENG-123"
)

// Jira produces a deterministic demo batch of one issue transition.
type Jira struct {
	clock clockwork.Clock
}

func NewJira(clock clockwork.Clock) *Jira {
	return &Jira{clock: clock}
}

func (j *Jira) Tool() string { return "jira" }

func (j *Jira) Validate(cfg Config) error {
	return validate(cfg, "Jira", jiraDefaultScopes)
}

func (j *Jira) FetchEvents(_ context.Context, _ Config) ([]Event, error) {
	now := j.clock.Now().UTC()
	return []Event{{
		Tool:            j.Tool(),
		ExternalEventID: fmt.Sprintf("jira-%d", now.Unix()),
		FetchedAt:       now,
		Payload: map[string]any{
			"issue_key":           jiraDemoIssue,
			"actor":               "demo-user",
			"transition":          "In Progress",
			"comment_body_stored": false,
			"ts":                  now.Format(time.RFC3339Nano),
		},
		PermissionState: PermissionKnown,
	}}, nil
}

func (j *Jira) FetchACLs(_ context.Context, _ Config) ([]ResourceDelta, error) {
	return []ResourceDelta{j.delta(jiraDemoIssue, PermissionKnown)}, nil
}

func (j *Jira) Normalize(ev Event) (NormalizedTrace, *ResourceDelta, error) {
	ts, err := payloadTime(ev.Payload)
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	issue, err := payloadString(ev.Payload, "issue_key")
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	trace := NormalizedTrace{
		Tool:             j.Tool(),
		ToolFamily:       "tickets",
		ActionType:       "status_change",
		ExternalEventID:  ev.ExternalEventID,
		EventTime:        ts,
		ActorPrincipalID: optionalString(ev.Payload, "actor"),
		Resource:         &ResourceRef{Type: "ticket", ExternalID: issue},
		EntityTags:       map[string]any{"entity_type_tags": []string{"Ticket"}, "project": "ENG"},
		Metadata:         map[string]any{"transition": optionalString(ev.Payload, "transition"), "raw_content": false},
		PermissionState:  ev.PermissionState,
	}
	delta := j.delta(issue, ev.PermissionState)
	return trace, &delta, nil
}

func (j *Jira) delta(issue, state string) ResourceDelta {
	return ResourceDelta{
		Tool:            j.Tool(),
		ResourceType:    "ticket",
		ExternalID:      issue,
		URL:             jiraDemoURL,
		PermissionState: state,
		ACLPrincipalIDs: demoPrincipals(),
	}
}
