// Package identity maps tool-specific actors onto canonical persons and principals.
package identity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	PrincipalUser  = "user"
	PrincipalGroup = "group"

	// GroupAllUsers contains every user principal.
	GroupAllUsers = "group:user"

	DefaultDomain = "ocg.local"

	rulesConfidence = 0.7
)

type Config struct {
	Logger *slog.Logger
	DB     *store.Store
	Clock  clockwork.Clock
	Domain string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	return nil
}

type Resolver struct {
	log *slog.Logger
	cfg Config
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

// Email returns the synthesized address for an actor.
func (r *Resolver) Email(actor string) string {
	return actor + "@" + r.cfg.Domain
}

// HashPerson returns the hex sha256 of a person id.
func HashPerson(personID string) string {
	sum := sha256.Sum256([]byte(personID))
	return hex.EncodeToString(sum[:])
}

// EnsurePrincipal creates the principal if it does not exist. Ids prefixed with "group:"
// are group principals; anything else is a user principal whose person id is the id.
func EnsurePrincipal(ctx context.Context, q store.Querier, at time.Time, principalID string) error {
	var personID, groupRef sql.NullString
	principalType := PrincipalUser
	if strings.HasPrefix(principalID, "group:") {
		principalType = PrincipalGroup
		groupRef = store.NullString(principalID)
	} else {
		personID = store.NullString(principalID)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO principal (principal_id, principal_type, person_id, external_group_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id) DO NOTHING
	`, principalID, principalType, personID, groupRef, at)
	if err != nil {
		return fmt.Errorf("failed to ensure principal %q: %w", principalID, err)
	}
	return nil
}

// EnsurePersonAndPrincipal creates the person and its user principal if either is
// missing. Safe to call repeatedly within one transaction.
func EnsurePersonAndPrincipal(ctx context.Context, q store.Querier, at time.Time, personID, email string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO person (person_id, primary_email, display_name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (person_id) DO NOTHING
	`, personID, store.NullString(email), personID, at)
	if err != nil {
		return fmt.Errorf("failed to ensure person %q: %w", personID, err)
	}
	return EnsurePrincipal(ctx, q, at, personID)
}

// EnsurePerson is EnsurePersonAndPrincipal with the resolver's clock and email domain.
func (r *Resolver) EnsurePerson(ctx context.Context, personID string) error {
	return r.cfg.DB.WithTx(ctx, "ensure_person", func(tx *sql.Tx) error {
		return EnsurePersonAndPrincipal(ctx, tx, r.cfg.Clock.Now().UTC(), personID, r.Email(personID))
	})
}

// ResolveIdentities records one identity per (tool, actor) seen in trace events and
// rebuilds the baseline all-users group membership. It returns the number of identities
// created.
func (r *Resolver) ResolveIdentities(ctx context.Context) (int, error) {
	var created int
	err := r.cfg.DB.WithTx(ctx, "resolve_identities", func(tx *sql.Tx) error {
		created = 0
		now := r.cfg.Clock.Now().UTC()

		actors, err := toolActors(ctx, tx)
		if err != nil {
			return err
		}
		for _, a := range actors {
			email := r.Email(a.actor)
			if err := EnsurePersonAndPrincipal(ctx, tx, now, a.actor, email); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO identity (identity_id, tool, external_user_id, email, display_name, person_id, confidence, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tool, external_user_id) DO NOTHING
			`, uuid.NewString(), a.tool, a.actor, email, a.actor, a.actor, rulesConfidence, now)
			if err != nil {
				return fmt.Errorf("failed to insert identity: %w", err)
			}
			inserted, err := store.Inserted(res)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			created++
		}

		return syncAllUsersGroup(ctx, tx, now)
	})
	if err != nil {
		return 0, err
	}
	r.log.Debug("identity: resolved identities", "created", created)
	return created, nil
}

type toolActor struct {
	tool  string
	actor string
}

func toolActors(ctx context.Context, q store.Querier) ([]toolActor, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT tool, actor_principal_id
		FROM trace_event
		WHERE actor_principal_id IS NOT NULL AND actor_principal_id <> ''
		ORDER BY tool, actor_principal_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace actors: %w", err)
	}
	defer rows.Close()

	var actors []toolActor
	for rows.Next() {
		var a toolActor
		if err := rows.Scan(&a.tool, &a.actor); err != nil {
			return nil, fmt.Errorf("failed to scan trace actor: %w", err)
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

func syncAllUsersGroup(ctx context.Context, tx *sql.Tx, now time.Time) error {
	users, err := queryStrings(ctx, tx, `SELECT principal_id FROM principal WHERE principal_type = $1 ORDER BY principal_id`, PrincipalUser)
	if err != nil {
		return fmt.Errorf("failed to query user principals: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	if err := EnsurePrincipal(ctx, tx, now, GroupAllUsers); err != nil {
		return err
	}
	for _, member := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO principal_membership (group_principal_id, member_principal_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_principal_id, member_principal_id) DO NOTHING
		`, GroupAllUsers, member, now); err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
	}
	return nil
}

// Groups returns the groups principalID is a direct member of, sorted.
func (r *Resolver) Groups(ctx context.Context, principalID string) ([]string, error) {
	groups, err := queryStrings(ctx, r.cfg.DB.DB(), `
		SELECT group_principal_id FROM principal_membership
		WHERE member_principal_id = $1
		ORDER BY group_principal_id
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	return groups, nil
}

type Identity struct {
	Tool           string
	ExternalUserID string
	Email          string
	PersonID       string
	Confidence     float64
}

// Identities returns the identities linked to personID, ordered by tool.
func (r *Resolver) Identities(ctx context.Context, personID string) ([]Identity, error) {
	rows, err := r.cfg.DB.DB().QueryContext(ctx, `
		SELECT tool, external_user_id, COALESCE(email, ''), person_id, confidence
		FROM identity
		WHERE person_id = $1
		ORDER BY tool, external_user_id
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Tool, &id.ExternalUserID, &id.Email, &id.PersonID, &id.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ErasePerson deletes everything scoped to a person: tasks, timeline, opt-in, identities
// and the person row. Trace events and ACL history are kept.
func (r *Resolver) ErasePerson(ctx context.Context, personID string) error {
	stmts := []string{
		`DELETE FROM personal_task WHERE person_id = $1`,
		`DELETE FROM personal_timeline_item WHERE person_id = $1`,
		`DELETE FROM personal_opt_in WHERE person_id = $1`,
		`DELETE FROM identity WHERE person_id = $1`,
		`DELETE FROM person WHERE person_id = $1`,
	}
	err := r.cfg.DB.WithTx(ctx, "erase_person", func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, personID); err != nil {
				return fmt.Errorf("failed to erase person: %w", err)
			}
		}
		return store.AppendAudit(ctx, tx, r.cfg.Clock.Now().UTC(), "system", "person_erase", map[string]string{
			"person_id_hash": HashPerson(personID),
		})
	})
	if err != nil {
		return err
	}
	r.log.Info("identity: erased person", "person_id_hash", HashPerson(personID))
	return nil
}

func queryStrings(ctx context.Context, q store.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
