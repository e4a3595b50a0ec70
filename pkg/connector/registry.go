package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/retry"
)

type RegistryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Retry  retry.Policy

	// LookupEnv resolves env: token references. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// NewSlackClient builds the Slack API client for live fetches. Defaults to slack-go.
	NewSlackClient func(token, baseURL string) SlackAPI
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.NewSlackClient == nil {
		cfg.NewSlackClient = newSlackClient
	}
	return nil
}

// Registry is the static set of connectors keyed by tool name.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry returns a registry holding the Slack, Jira and GitHub connectors.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewStaticRegistry(
		newSlack(cfg),
		NewJira(cfg.Clock),
		NewGitHub(cfg.Clock),
	), nil
}

// NewStaticRegistry returns a registry holding exactly the given connectors.
func NewStaticRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.Tool()] = c
	}
	return r
}

func (r *Registry) Get(tool string) (Connector, error) {
	c, ok := r.connectors[tool]
	if !ok {
		return nil, errs.Validation("unknown connector tool %q (known: %v)", tool, r.Tools())
	}
	return c, nil
}

func (r *Registry) Has(tool string) bool {
	_, ok := r.connectors[tool]
	return ok
}

// Tools returns the registered tool names in sorted order.
func (r *Registry) Tools() []string {
	tools := make([]string, 0, len(r.connectors))
	for tool := range r.connectors {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}
