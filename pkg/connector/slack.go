package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"

	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/retry"
)

var slackDefaultScopes = []string{"channels:read", "groups:read", "users:read"}

const (
	slackDemoChannel     = "C-DEMO"
	slackHistoryLimit    = 200
	slackMembersLimit    = 200
	slackDefaultLookback = 24 * time.Hour
)

// SlackAPI is the subset of the slack-go client used for live fetches.
type SlackAPI interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
}

func newSlackClient(token, baseURL string) SlackAPI {
	var opts []slack.Option
	if baseURL != "" {
		opts = append(opts, slack.OptionAPIURL(baseURL))
	}
	return slack.New(token, opts...)
}

// Slack reads message metadata from the configured channels. Message bodies are never
// stored. Without channels or a resolvable token it produces a single demo event.
type Slack struct {
	log       *slog.Logger
	clock     clockwork.Clock
	retry     retry.Policy
	lookupEnv func(string) (string, bool)
	newClient func(token, baseURL string) SlackAPI
}

func newSlack(cfg RegistryConfig) *Slack {
	return &Slack{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		retry:     cfg.Retry,
		lookupEnv: cfg.LookupEnv,
		newClient: cfg.NewSlackClient,
	}
}

func (s *Slack) Tool() string { return "slack" }

func (s *Slack) Validate(cfg Config) error {
	return validate(cfg, "Slack", slackDefaultScopes)
}

// client returns a live client when the config names channels and its token resolves.
func (s *Slack) client(cfg Config) (SlackAPI, bool) {
	if len(cfg.Channels) == 0 {
		return nil, false
	}
	name, ok := strings.CutPrefix(cfg.Auth.TokenRef, "env:")
	if !ok {
		return nil, false
	}
	token, ok := s.lookupEnv(name)
	if !ok || token == "" {
		s.log.Warn("slack: token reference does not resolve, using demo data", "token_ref", cfg.Auth.TokenRef)
		return nil, false
	}
	return s.newClient(token, cfg.BaseURL), true
}

func (s *Slack) FetchEvents(ctx context.Context, cfg Config) ([]Event, error) {
	api, ok := s.client(cfg)
	if !ok {
		return s.demoEvents(), nil
	}

	now := s.clock.Now().UTC()
	lookback := slackDefaultLookback
	if cfg.PollIntervalSeconds > 0 {
		lookback = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	oldest := formatSlackTimestamp(now.Add(-lookback))

	var events []Event
	for _, channel := range cfg.Channels {
		cursor := ""
		for {
			resp, err := call(ctx, s, func(ctx context.Context) (*slack.GetConversationHistoryResponse, error) {
				return api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
					ChannelID: channel,
					Cursor:    cursor,
					Oldest:    oldest,
					Limit:     slackHistoryLimit,
				})
			})
			if err != nil {
				return nil, fmt.Errorf("failed to fetch slack history for %s: %w", channel, err)
			}
			for _, msg := range resp.Messages {
				ev, ok := s.messageEvent(channel, msg, now)
				if ok {
					events = append(events, ev)
				}
			}
			if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
				break
			}
			cursor = resp.ResponseMetaData.NextCursor
		}
	}
	s.log.Debug("slack: fetched events", "channels", len(cfg.Channels), "count", len(events))
	return events, nil
}

func (s *Slack) messageEvent(channel string, msg slack.Message, fetchedAt time.Time) (Event, bool) {
	ts, err := parseSlackTimestamp(msg.Timestamp)
	if err != nil {
		s.log.Warn("slack: skipping message with invalid timestamp", "channel", channel, "ts", msg.Timestamp)
		return Event{}, false
	}
	actor := msg.User
	if actor == "" {
		actor = msg.BotID
	}
	return Event{
		Tool:            s.Tool(),
		ExternalEventID: fmt.Sprintf("slack-%s-%s", channel, msg.Timestamp),
		FetchedAt:       fetchedAt,
		Payload: map[string]any{
			"event_type":          "message_metadata",
			"channel_id":          channel,
			"actor":               actor,
			"message_body_stored": false,
			"ts":                  ts.Format(time.RFC3339Nano),
		},
		PermissionState: PermissionKnown,
	}, true
}

func (s *Slack) demoEvents() []Event {
	now := s.clock.Now().UTC()
	return []Event{{
		Tool:            s.Tool(),
		ExternalEventID: fmt.Sprintf("slack-%d", now.Unix()),
		FetchedAt:       now,
		Payload: map[string]any{
			"event_type":          "message_metadata",
			"channel_id":          slackDemoChannel,
			"actor":               "demo-user",
			"message_body_stored": false,
			"ts":                  now.Format(time.RFC3339Nano),
		},
		PermissionState: PermissionKnown,
	}}
}

// FetchACLs reports private channels as visible to their members and public channels as
// visible to every user.
func (s *Slack) FetchACLs(ctx context.Context, cfg Config) ([]ResourceDelta, error) {
	api, ok := s.client(cfg)
	if !ok {
		return []ResourceDelta{s.delta(slackDemoChannel, "", PermissionKnown, demoPrincipals())}, nil
	}

	deltas := make([]ResourceDelta, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		info, err := call(ctx, s, func(ctx context.Context) (*slack.Channel, error) {
			return api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channel})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch slack channel %s: %w", channel, err)
		}
		principals := []string{"group:user"}
		if info.IsPrivate {
			principals, err = s.members(ctx, api, channel)
			if err != nil {
				return nil, err
			}
		}
		deltas = append(deltas, s.delta(channel, info.Name, PermissionKnown, principals))
	}
	return deltas, nil
}

func (s *Slack) members(ctx context.Context, api SlackAPI, channel string) ([]string, error) {
	type page struct {
		users  []string
		cursor string
	}
	var members []string
	cursor := ""
	for {
		p, err := call(ctx, s, func(ctx context.Context) (page, error) {
			users, next, err := api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
				ChannelID: channel,
				Cursor:    cursor,
				Limit:     slackMembersLimit,
			})
			return page{users: users, cursor: next}, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch slack members for %s: %w", channel, err)
		}
		members = append(members, p.users...)
		if p.cursor == "" {
			return members, nil
		}
		cursor = p.cursor
	}
}

func (s *Slack) Normalize(ev Event) (NormalizedTrace, *ResourceDelta, error) {
	ts, err := payloadTime(ev.Payload)
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	channel, err := payloadString(ev.Payload, "channel_id")
	if err != nil {
		return NormalizedTrace{}, nil, err
	}
	trace := NormalizedTrace{
		Tool:             s.Tool(),
		ToolFamily:       "chat",
		ActionType:       "message",
		ExternalEventID:  ev.ExternalEventID,
		EventTime:        ts,
		ActorPrincipalID: optionalString(ev.Payload, "actor"),
		Resource:         &ResourceRef{Type: "channel", ExternalID: channel},
		EntityTags:       map[string]any{"entity_type_tags": []string{"Channel"}},
		Metadata:         map[string]any{"event_type": optionalString(ev.Payload, "event_type"), "raw_content": false},
		PermissionState:  ev.PermissionState,
	}
	// Live channel ACLs come from FetchACLs; only the demo channel carries one here.
	if channel != slackDemoChannel {
		return trace, nil, nil
	}
	delta := s.delta(channel, "", ev.PermissionState, demoPrincipals())
	return trace, &delta, nil
}

func (s *Slack) delta(channel, title, state string, principals []string) ResourceDelta {
	return ResourceDelta{
		Tool:            s.Tool(),
		ResourceType:    "channel",
		ExternalID:      channel,
		Title:           title,
		PermissionState: state,
		ACLPrincipalIDs: principals,
	}
}

// call runs a Slack API call under the retry policy. Rate limits and server errors retry.
func call[T any](ctx context.Context, s *Slack, fn func(context.Context) (T, error)) (T, error) {
	res, err := retry.Do(ctx, s.retry, isRetryableSlackError, fn,
		retry.WithNotify(func(attempt int, err error, next time.Duration) {
			metrics.ConnectorRetriesTotal.WithLabelValues(s.Tool()).Inc()
			s.log.Warn("slack: call failed, retrying", "attempt", attempt, "next", next, "error", err)
		}))
	if err != nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(s.Tool(), slackErrorReason(err)).Inc()
	}
	return res, err
}

func isRetryableSlackError(err error) bool {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	return false
}

func slackErrorReason(err error) string {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return "http_" + strconv.Itoa(statusErr.Code)
	}
	return "api_error"
}

// parseSlackTimestamp parses "<unix seconds>.<microseconds>".
func parseSlackTimestamp(ts string) (time.Time, error) {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	var micros int64
	if frac != "" {
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), nil
}

func formatSlackTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
