// Package store persists capability token records and executor safety
// states in SQL. The same schema serves SQLite (single-node and tests) and
// PostgreSQL; only the placeholder syntax differs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/ans"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("store: unsupported driver %q", driver)
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS capability_tokens (
		token_id BIGINT PRIMARY KEY,
		executor_id BIGINT NOT NULL,
		action_id TEXT NOT NULL,
		scaled_limits_hash TEXT NOT NULL,
		issued_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at BIGINT NOT NULL DEFAULT 0,
		revocation_reason TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL,
		requester TEXT NOT NULL,
		nonce BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capability_tokens_executor ON capability_tokens (executor_id)`,
	`CREATE TABLE IF NOT EXISTS executor_safety_states (
		executor_id BIGINT PRIMARY KEY,
		state TEXT NOT NULL,
		tone BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		last_transition_at BIGINT NOT NULL,
		ctr_danger INTEGER NOT NULL,
		ctr_safe INTEGER NOT NULL,
		ctr_shutdown INTEGER NOT NULL
	)`,
}

// SQLStore implements capability.Repository and ans.Repository.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open opens driver/dsn, pings it and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SaveToken inserts or updates a token record.
func (s *SQLStore) SaveToken(ctx context.Context, t contracts.CapabilityToken) error {
	query := s.dialect.rebind(`
		INSERT INTO capability_tokens (
			token_id, executor_id, action_id, scaled_limits_hash, issued_at, expires_at,
			revoked, revoked_at, revocation_reason, issuer, requester, nonce
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_id) DO UPDATE SET
			revoked = EXCLUDED.revoked,
			revoked_at = EXCLUDED.revoked_at,
			revocation_reason = EXCLUDED.revocation_reason`)
	_, err := s.db.ExecContext(ctx, query,
		int64(t.TokenID), int64(t.ExecutorID), t.ActionID.String(), t.ScaledLimitsHash.String(),
		t.IssuedAt, t.ExpiresAt, t.Revoked, t.RevokedAt, string(t.RevocationReason),
		string(t.Issuer), string(t.Requester), int64(t.Nonce),
	)
	if err != nil {
		return fmt.Errorf("store: save token %d: %w", t.TokenID, err)
	}
	return nil
}

// LoadTokens returns every token record ordered by id.
func (s *SQLStore) LoadTokens(ctx context.Context) ([]contracts.CapabilityToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, executor_id, action_id, scaled_limits_hash, issued_at, expires_at,
			revoked, revoked_at, revocation_reason, issuer, requester, nonce
		FROM capability_tokens
		ORDER BY token_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CapabilityToken
	for rows.Next() {
		var (
			t                          contracts.CapabilityToken
			tokenID, executorID, nonce int64
			actionID, limitsHash       string
			reason, issuer, requester  string
		)
		if err := rows.Scan(&tokenID, &executorID, &actionID, &limitsHash, &t.IssuedAt, &t.ExpiresAt,
			&t.Revoked, &t.RevokedAt, &reason, &issuer, &requester, &nonce); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		if t.ActionID, err = contracts.ParseHash(actionID); err != nil {
			return nil, fmt.Errorf("store: token %d action id: %w", tokenID, err)
		}
		if t.ScaledLimitsHash, err = contracts.ParseHash(limitsHash); err != nil {
			return nil, fmt.Errorf("store: token %d limits hash: %w", tokenID, err)
		}
		t.TokenID = contracts.TokenID(tokenID)
		t.ExecutorID = contracts.ExecutorID(executorID)
		t.RevocationReason = contracts.RevocationReason(reason)
		t.Issuer = contracts.Principal(issuer)
		t.Requester = contracts.Principal(requester)
		t.Nonce = uint64(nonce) // stored as the same 64 bits
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load tokens: %w", err)
	}
	return out, nil
}

// SaveSafetyState inserts or replaces an executor's safety state.
func (s *SQLStore) SaveSafetyState(ctx context.Context, executorID contracts.ExecutorID, st ans.ExecutorSafetyState) error {
	query := s.dialect.rebind(`
		INSERT INTO executor_safety_states (
			executor_id, state, tone, updated_at, last_transition_at, ctr_danger, ctr_safe, ctr_shutdown
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (executor_id) DO UPDATE SET
			state = EXCLUDED.state,
			tone = EXCLUDED.tone,
			updated_at = EXCLUDED.updated_at,
			last_transition_at = EXCLUDED.last_transition_at,
			ctr_danger = EXCLUDED.ctr_danger,
			ctr_safe = EXCLUDED.ctr_safe,
			ctr_shutdown = EXCLUDED.ctr_shutdown`)
	_, err := s.db.ExecContext(ctx, query,
		int64(executorID), st.State.String(), int64(st.Tone), st.UpdatedAt, st.LastTransitionAt,
		int64(st.CtrDanger), int64(st.CtrSafe), int64(st.CtrShutdown),
	)
	if err != nil {
		return fmt.Errorf("store: save safety state %d: %w", executorID, err)
	}
	return nil
}

// LoadSafetyStates returns every persisted safety state.
func (s *SQLStore) LoadSafetyStates(ctx context.Context) (map[contracts.ExecutorID]ans.ExecutorSafetyState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT executor_id, state, tone, updated_at, last_transition_at, ctr_danger, ctr_safe, ctr_shutdown
		FROM executor_safety_states`)
	if err != nil {
		return nil, fmt.Errorf("store: load safety states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[contracts.ExecutorID]ans.ExecutorSafetyState)
	for rows.Next() {
		var (
			id, tone                    int64
			state                       string
			st                          ans.ExecutorSafetyState
			ctrDanger, ctrSafe, ctrShut int64
		)
		if err := rows.Scan(&id, &state, &tone, &st.UpdatedAt, &st.LastTransitionAt, &ctrDanger, &ctrSafe, &ctrShut); err != nil {
			return nil, fmt.Errorf("store: scan safety state: %w", err)
		}
		if st.State, err = contracts.ParseState(state); err != nil {
			return nil, fmt.Errorf("store: executor %d: %w", id, err)
		}
		st.Tone = uint32(tone)
		st.CtrDanger, st.CtrSafe, st.CtrShutdown = uint8(ctrDanger), uint8(ctrSafe), uint8(ctrShut)
		out[contracts.ExecutorID(id)] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load safety states: %w", err)
	}
	return out, nil
}
