package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/refguard/internal/pagination"
)

// PostgresStore reads referral data and persists fraud decisions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they don't exist. Production deployments use
// cmd/migrate; this keeps demo databases usable without it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id                  BIGINT PRIMARY KEY,
			username            TEXT NOT NULL DEFAULT '',
			blocked             BOOLEAN NOT NULL DEFAULT FALSE,
			permanently_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS referrals (
			id               BIGSERIAL PRIMARY KEY,
			referrer_id      BIGINT NOT NULL,
			referred_user_id BIGINT NOT NULL UNIQUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_referrals_referrer
			ON referrals (referrer_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS user_actions (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			action_type VARCHAR(64) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_user_actions_user
			ON user_actions (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS fraud_logs (
			id           VARCHAR(64) PRIMARY KEY,
			referrer_id  BIGINT NOT NULL,
			referred_id  BIGINT NOT NULL,
			risk_score   INTEGER NOT NULL CHECK (risk_score >= 0),
			flags        JSONB NOT NULL DEFAULT '[]',
			block_reason TEXT NOT NULL DEFAULT '',
			status       VARCHAR(16) NOT NULL CHECK (status IN ('blocked', 'flagged')),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_logs_created_at
			ON fraud_logs (created_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS fraud_reviews (
			user_id     BIGINT PRIMARY KEY,
			risk_score  INTEGER NOT NULL,
			flags       JSONB NOT NULL DEFAULT '[]',
			reason      TEXT NOT NULL DEFAULT '',
			status      VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
			notes       TEXT NOT NULL DEFAULT '',
			flagged_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			reviewed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS referral_rewards (
			id         VARCHAR(64) PRIMARY KEY,
			user_id    BIGINT NOT NULL,
			amount     BIGINT NOT NULL CHECK (amount >= 0),
			status     VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'paid', 'revoked')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// --- referrals ---

func (s *PostgresStore) GetUserReferralsTimeframe(ctx context.Context, userID int64, hours int) ([]ReferralEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT referrer_id, referred_user_id, created_at
		FROM referrals
		WHERE referrer_id = $1 AND created_at > NOW() - ($2 * INTERVAL '1 hour')
		ORDER BY created_at DESC
	`, userID, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals in timeframe: %w", err)
	}
	return scanEdges(rows)
}

func (s *PostgresStore) GetUserReferrals(ctx context.Context, userID int64) ([]ReferralEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT referrer_id, referred_user_id, created_at
		FROM referrals
		WHERE referrer_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	return scanEdges(rows)
}

func (s *PostgresStore) GetReferralRegistrationTime(ctx context.Context, userID int64) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM referrals WHERE referred_user_id = $1
	`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral registration time: %w", err)
	}
	return &t, nil
}

func scanEdges(rows *sql.Rows) ([]ReferralEdge, error) {
	defer func() { _ = rows.Close() }()

	var out []ReferralEdge
	for rows.Next() {
		var e ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferredUserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- activity ---

func (s *PostgresStore) GetUserInteractions(ctx context.Context, userID int64) ([]ActionRecord, error) {
	return s.GetUserActions(ctx, userID, 0)
}

// GetUserActions returns the most recent actions first. A non-positive limit
// returns all of them.
func (s *PostgresStore) GetUserActions(ctx context.Context, userID int64, limit int) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, action_type, created_at
		FROM user_actions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query user actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActionRecord
	for rows.Next() {
		var a ActionRecord
		if err := rows.Scan(&a.UserID, &a.Type, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan user action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUserActivityCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_actions WHERE user_id = $1
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count user actions: %w", err)
	}
	return n, nil
}

// --- accounts ---

func (s *PostgresStore) GetAllUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users WHERE username <> ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query usernames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRecentAccountCreations(ctx context.Context, hours int) ([]AccountCreation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, created_at
		FROM users
		WHERE created_at > NOW() - ($1 * INTERVAL '1 hour')
		ORDER BY created_at DESC
	`, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AccountCreation
	for rows.Next() {
		var a AccountCreation
		if err := rows.Scan(&a.UserID, &a.Username, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUserCreationTime(ctx context.Context, userID int64) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM users WHERE id = $1`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user creation time: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetReferrerFraudHistory(ctx context.Context, referrerID int64) (*FraudHistory, error) {
	h := &FraudHistory{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_logs WHERE referrer_id = $1 AND status = 'blocked'
	`, referrerID).Scan(&h.PreviousBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrer blocks: %w", err)
	}
	return h, nil
}

// --- fraud logs ---

func (s *PostgresStore) LogFraudActivity(ctx context.Context, entry *FraudLogEntry) error {
	flagsJSON, err := json.Marshal(nonNilFlags(entry.Flags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_logs (id, referrer_id, referred_id, risk_score, flags, block_reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		entry.ID,
		entry.ReferrerID,
		entry.ReferredID,
		entry.RiskScore,
		flagsJSON,
		entry.BlockReason,
		string(entry.Status),
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fraud log: %w", err)
	}
	return nil
}

const fraudLogColumns = `id, referrer_id, referred_id, risk_score, flags, block_reason, status, created_at`

func (s *PostgresStore) FraudLogsSince(ctx context.Context, since time.Time) ([]*FraudLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fraudLogColumns+`
		FROM fraud_logs
		WHERE created_at >= $1
		ORDER BY created_at DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud logs: %w", err)
	}
	return scanFraudLogs(rows)
}

func (s *PostgresStore) ListFraudLogs(ctx context.Context, before *pagination.Cursor, limit int) ([]*FraudLogEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+fraudLogColumns+`
			FROM fraud_logs
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		`, nullLimit(limit))
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+fraudLogColumns+`
			FROM fraud_logs
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, before.At, before.ID, nullLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud logs: %w", err)
	}
	return scanFraudLogs(rows)
}

func scanFraudLogs(rows *sql.Rows) ([]*FraudLogEntry, error) {
	defer func() { _ = rows.Close() }()

	var out []*FraudLogEntry
	for rows.Next() {
		var e FraudLogEntry
		var flagsJSON []byte
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.RiskScore, &flagsJSON, &e.BlockReason, &e.Status, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan fraud log: %w", err)
		}
		if err := json.Unmarshal(flagsJSON, &e.Flags); err != nil {
			return nil, fmt.Errorf("failed to decode flags for %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountFraudLogs(ctx context.Context, status LogStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_logs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fraud logs: %w", err)
	}
	return n, nil
}

// --- reviews ---

// FlagUserForReview upserts a pending review and blocks the user in one
// transaction. Rejected reviews are not reopened.
func (s *PostgresStore) FlagUserForReview(ctx context.Context, userID int64, riskScore int, flags []string, reason string) error {
	flagsJSON, err := json.Marshal(nonNilFlags(flags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fraud_reviews (user_id, risk_score, flags, reason, status, notes, flagged_at, reviewed_at)
		VALUES ($1, $2, $3, $4, 'pending', '', NOW(), NULL)
		ON CONFLICT (user_id) DO UPDATE SET
			risk_score  = EXCLUDED.risk_score,
			flags       = EXCLUDED.flags,
			reason      = EXCLUDED.reason,
			status      = 'pending',
			notes       = '',
			flagged_at  = NOW(),
			reviewed_at = NULL
		WHERE fraud_reviews.status <> 'rejected'
	`, userID, riskScore, flagsJSON, reason)
	if err != nil {
		return fmt.Errorf("failed to upsert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET blocked = TRUE WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetReview(ctx context.Context, userID int64) (*Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, risk_score, flags, reason, status, notes, flagged_at, reviewed_at
		FROM fraud_reviews
		WHERE user_id = $1
	`, userID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	return r, err
}

func (s *PostgresStore) ListPendingReviews(ctx context.Context, limit int) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, risk_score, flags, reason, status, notes, flagged_at, reviewed_at
		FROM fraud_reviews
		WHERE status = 'pending'
		ORDER BY flagged_at ASC, user_id ASC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateUserReviewStatus(ctx context.Context, userID int64, decision ReviewDecision, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_reviews
		SET status = $2, notes = $3, reviewed_at = NOW()
		WHERE user_id = $1
	`, userID, string(decision), notes)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrReviewNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*Review, error) {
	var r Review
	var flagsJSON []byte
	var reviewedAt sql.NullTime
	if err := row.Scan(&r.UserID, &r.RiskScore, &flagsJSON, &r.Reason, &r.Status, &r.Notes, &r.FlaggedAt, &reviewedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan review: %w", err)
	}
	if err := json.Unmarshal(flagsJSON, &r.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode review flags: %w", err)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	return &r, nil
}

// --- moderation ---

func (s *PostgresStore) UnblockUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET blocked = FALSE WHERE id = $1 AND NOT permanently_blocked
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProcessPendingRewards(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE referral_rewards SET status = 'paid', updated_at = NOW()
		WHERE user_id = $1 AND status = 'pending'
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to process pending rewards: %w", err)
	}
	return nil
}

func (s *PostgresStore) PermanentlyBlockUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET blocked = TRUE, permanently_blocked = TRUE WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveFraudulentRewards(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE referral_rewards SET status = 'revoked', updated_at = NOW()
		WHERE user_id = $1 AND status <> 'revoked'
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke rewards: %w", err)
	}
	return nil
}

// nullLimit maps a non-positive limit to SQL NULL, which Postgres treats as
// LIMIT ALL.
func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
