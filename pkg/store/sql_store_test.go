package store

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/ans"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleToken(id contracts.TokenID) contracts.CapabilityToken {
	return contracts.CapabilityToken{
		TokenID:          id,
		ExecutorID:       42,
		ActionID:         contracts.Hash{0xaa, 0x01},
		ScaledLimitsHash: contracts.Hash{0xbb, 0x02},
		IssuedAt:         1_000,
		ExpiresAt:        2_000,
		Issuer:           "system:brake",
		Requester:        "planner-1",
	}
}

func TestSQLite_Tokens(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	withNonce := sampleToken(2)
	withNonce.Nonce = math.MaxUint64
	require.NoError(t, s.SaveToken(ctx, withNonce))
	require.NoError(t, s.SaveToken(ctx, sampleToken(1)))

	revoked := sampleToken(1)
	revoked.Revoked = true
	revoked.RevokedAt = 1_500
	revoked.RevocationReason = contracts.ReasonReflexTrigger
	require.NoError(t, s.SaveToken(ctx, revoked))

	got, err := s.LoadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, revoked, got[0])
	assert.Equal(t, withNonce, got[1], "nonces keep all 64 bits")
}

func TestSQLite_SafetyStates(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	st := ans.ExecutorSafetyState{
		State:            contracts.StateDanger,
		Tone:             420_000,
		UpdatedAt:        1_200,
		LastTransitionAt: 1_100,
		CtrDanger:        255,
		CtrShutdown:      1,
	}
	require.NoError(t, s.SaveSafetyState(ctx, 7, ans.ExecutorSafetyState{}))
	require.NoError(t, s.SaveSafetyState(ctx, 7, st))
	require.NoError(t, s.SaveSafetyState(ctx, 8, ans.ExecutorSafetyState{State: contracts.StateShutdown}))

	got, err := s.LoadSafetyStates(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, st, got[7])
	assert.Equal(t, contracts.StateShutdown, got[8].State)
	require.NoError(t, s.Ping(ctx))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite": DialectSQLite, "sqlite3": DialectSQLite, "postgres": DialectPostgres, "PQ": DialectPostgres} {
		got, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)

	_, err = Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", DialectPostgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", DialectSQLite.rebind("a = ?"))
}

func TestPostgres_SaveToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, DialectPostgres)

	tok := sampleToken(3)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO capability_tokens")).
		WithArgs(int64(3), int64(42), tok.ActionID.String(), tok.ScaledLimitsHash.String(),
			int64(1_000), int64(2_000), false, int64(0), "", "system:brake", "planner-1", int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveToken(context.Background(), tok))

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)")).
		WillReturnError(errors.New("connection reset"))
	assert.Error(t, s.SaveToken(context.Background(), tok))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, DialectPostgres)

	tok := sampleToken(1)
	rows := sqlmock.NewRows([]string{"token_id", "executor_id", "action_id", "scaled_limits_hash", "issued_at",
		"expires_at", "revoked", "revoked_at", "revocation_reason", "issuer", "requester", "nonce"}).
		AddRow(int64(1), int64(42), tok.ActionID.String(), tok.ScaledLimitsHash.String(), int64(1_000),
			int64(2_000), true, int64(1_500), "OWNER_REVOCATION", "system:brake", "planner-1", int64(42))
	mock.ExpectQuery(regexp.QuoteMeta("FROM capability_tokens")).WillReturnRows(rows)

	got, err := s.LoadTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Revoked)
	assert.Equal(t, contracts.ReasonOwnerRevocation, got[0].RevocationReason)
	assert.Equal(t, tok.ActionID, got[0].ActionID)
	assert.Equal(t, uint64(42), got[0].Nonce)

	bad := sqlmock.NewRows([]string{"token_id", "executor_id", "action_id", "scaled_limits_hash", "issued_at",
		"expires_at", "revoked", "revoked_at", "revocation_reason", "issuer", "requester", "nonce"}).
		AddRow(int64(1), int64(42), "not-hex", tok.ScaledLimitsHash.String(), int64(1_000),
			int64(2_000), false, int64(0), "", "system:brake", "planner-1", int64(0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM capability_tokens")).WillReturnRows(bad)
	_, err = s.LoadTokens(context.Background())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SafetyStates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, DialectPostgres)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executor_safety_states")).
		WithArgs(int64(9), "SHUTDOWN", int64(900_000), int64(10), int64(10), int64(0), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveSafetyState(ctx, 9, ans.ExecutorSafetyState{
		State: contracts.StateShutdown, Tone: 900_000, UpdatedAt: 10, LastTransitionAt: 10,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM executor_safety_states")).
		WillReturnRows(sqlmock.NewRows([]string{"executor_id", "state", "tone", "updated_at", "last_transition_at",
			"ctr_danger", "ctr_safe", "ctr_shutdown"}).
			AddRow(int64(9), "BOGUS", int64(0), int64(0), int64(0), int64(0), int64(0), int64(0)))
	_, err = s.LoadSafetyStates(ctx)
	assert.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS capability_tokens")).WillReturnError(errors.New("denied"))
	assert.Error(t, s.Migrate(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}
