//go:build integration

package risk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refguard/internal/testutil"
)

func setupPGStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db), db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func TestPostgresStore_Referrals(t *testing.T) {
	store, db := setupPGStore(t)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO users (id, username, created_at) VALUES (1, 'alice', NOW() - INTERVAL '40 days'), (2, 'bob', NOW() - INTERVAL '1 hour')`)
	mustExec(t, db, `INSERT INTO referrals (referrer_id, referred_user_id, created_at) VALUES (1, 2, NOW() - INTERVAL '30 minutes'), (1, 3, NOW() - INTERVAL '3 days')`)
	mustExec(t, db, `INSERT INTO user_actions (user_id, action_type) VALUES (2, 'message'), (2, 'profile_update')`)

	recent, err := store.GetUserReferralsTimeframe(ctx, 1, 24)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(2), recent[0].ReferredUserID)

	all, err := store.GetUserReferrals(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	regTime, err := store.GetReferralRegistrationTime(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, regTime)
	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), *regTime, time.Minute)

	none, err := store.GetReferralRegistrationTime(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, none)

	count, err := store.GetUserActivityCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	actions, err := store.GetUserActions(ctx, 2, 1)
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	names, err := store.GetAllUsernames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)

	created, err := store.GetRecentAccountCreations(ctx, 24)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "bob", created[0].Username)
}

func TestPostgresStore_FraudLogs(t *testing.T) {
	store, _ := setupPGStore(t)
	ctx := context.Background()

	entry := &FraudLogEntry{
		ID:          "fl_pg_1",
		Timestamp:   time.Now().UTC(),
		ReferrerID:  1,
		ReferredID:  2,
		RiskScore:   90,
		Flags:       []string{"Self-referral"},
		BlockReason: ReasonSelfReferral,
		Status:      StatusBlocked,
	}
	require.NoError(t, store.LogFraudActivity(ctx, entry))
	// duplicate IDs are ignored
	require.NoError(t, store.LogFraudActivity(ctx, entry))

	n, err := store.CountFraudLogs(ctx, StatusBlocked)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	logs, err := store.FraudLogsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"Self-referral"}, logs[0].Flags)

	history, err := store.GetReferrerFraudHistory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, history.PreviousBlocks)
}

func TestPostgresStore_ReviewLifecycle(t *testing.T) {
	store, db := setupPGStore(t)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO users (id, username) VALUES (42, 'flagged')`)
	mustExec(t, db, `INSERT INTO referral_rewards (id, user_id, amount, status) VALUES ('rw_1', 42, 500, 'pending')`)

	require.NoError(t, store.FlagUserForReview(ctx, 42, 95, []string{"Bot account detected"}, ReasonBot))

	var blocked bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT blocked FROM users WHERE id = 42`).Scan(&blocked))
	assert.True(t, blocked)

	pending, err := store.ListPendingReviews(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ReviewPending, pending[0].Status)

	engine := NewEngine(store, nil)
	require.NoError(t, engine.ReviewFlaggedUser(ctx, 42, DecisionApproved, "ok"))

	review, err := store.GetReview(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, review.Status)
	require.NotNil(t, review.ReviewedAt)

	var rewardStatus string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM referral_rewards WHERE id = 'rw_1'`).Scan(&rewardStatus))
	assert.Equal(t, "paid", rewardStatus)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT blocked FROM users WHERE id = 42`).Scan(&blocked))
	assert.False(t, blocked)

	assert.ErrorIs(t, engine.ReviewFlaggedUser(ctx, 42, DecisionRejected, ""), ErrAlreadyReviewed)
}

func TestPostgresStore_RejectedReviewNotReopened(t *testing.T) {
	store, db := setupPGStore(t)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO users (id, username) VALUES (43, 'rejected')`)
	require.NoError(t, store.FlagUserForReview(ctx, 43, 95, nil, ReasonBot))

	engine := NewEngine(store, nil)
	require.NoError(t, engine.ReviewFlaggedUser(ctx, 43, DecisionRejected, ""))
	require.NoError(t, store.FlagUserForReview(ctx, 43, 120, []string{"Self-referral"}, ReasonSelfReferral))

	review, err := store.GetReview(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, ReviewRejected, review.Status)
	assert.ErrorIs(t, engine.ReviewFlaggedUser(ctx, 43, DecisionApproved, ""), ErrAlreadyReviewed)

	var blocked, permanent bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT blocked, permanently_blocked FROM users WHERE id = 43`).Scan(&blocked, &permanent))
	assert.True(t, blocked)
	assert.True(t, permanent)
}
