// Package risk scores referrals for fraud before a referral reward is granted.
//
// Every referral is evaluated by five independent stages: referral velocity,
// bot behavior, activity, cross-account patterns and a rule-based feature
// score that also folds in referral-graph signals. Stage contributions are
// summed into an unbounded risk score and an ordered list of flags. Scores
// above 50 are logged, above 70 raise an admin alert and above 80 block the
// referred user pending manual review.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/refguard/internal/pagination"
)

// Thresholds used by the stages and by the pipeline decision rules.
const (
	ReferralsPerHour            = 5
	ReferralsPerDay             = 20
	MinReferralGap              = 30 * time.Second
	MinUserActivity             = 5
	UsernameSimilarityThreshold = 0.8
	RapidActionsPerMinute       = 10

	BotConfidenceThreshold = 60
	PatternSuspiciousScore = 30
	PatternBlockScore      = 70

	LogThreshold    = 50
	AlertThreshold  = 70
	ReviewThreshold = 80
)

// Score contributions applied by the pipeline.
const (
	RateLimitPenalty    = 50
	BotPenalty          = 80
	LowActivityPenalty  = 30
	SelfReferralPenalty = 100
)

// UnknownAccountAge is the account age assumed when the caller does not know it.
const UnknownAccountAge = 999

// Block reasons.
const (
	ReasonRateLimit       = "Rate limit exceeded"
	ReasonBot             = "Bot account detected"
	ReasonFraudPattern    = "Fraud pattern detected"
	ReasonReviewThreshold = "Risk score exceeds review threshold"
	ReasonSelfReferral    = "Self-referral not allowed"
	ReasonSystemError     = "System error during validation"
)

var (
	ErrInvalidDecision  = errors.New("decision must be approved or rejected")
	ErrReviewNotFound   = errors.New("no review found for user")
	ErrAlreadyReviewed  = errors.New("user has already been reviewed")
	ErrInvalidUserID    = errors.New("user id must be positive")
	ErrCacheMiss        = errors.New("validation result not cached")
	ErrStageUnavailable = errors.New("stage circuit open")
)

// UserProfile is the caller-supplied snapshot of the referred user.
// Empty strings mean the field is absent.
type UserProfile struct {
	Username            string `json:"username,omitempty"`
	FirstName           string `json:"firstName,omitempty"`
	ProfilePhotoPresent bool   `json:"profilePhotoPresent"`
	AccountAgeDays      int    `json:"accountAgeDays"`
}

// ReferralEdge is a directed referral from ReferrerID to ReferredUserID.
type ReferralEdge struct {
	ReferrerID     int64     `json:"referrerId"`
	ReferredUserID int64     `json:"referredUserId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ActionRecord is a single user interaction.
type ActionRecord struct {
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountCreation records when an account was created.
type AccountCreation struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// FraudHistory summarizes a referrer's past blocks.
type FraudHistory struct {
	PreviousBlocks int `json:"previousBlocks"`
}

// ValidationResult is the verdict for a single referral.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	RiskScore   int       `json:"riskScore"`
	Flags       []string  `json:"flags"`
	BlockReason string    `json:"blockReason,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

func newValidationResult(now time.Time) *ValidationResult {
	return &ValidationResult{
		Valid:       true,
		Flags:       []string{},
		EvaluatedAt: now,
	}
}

// block invalidates the result. The first reason recorded is kept.
func (r *ValidationResult) block(reason string) {
	r.Valid = false
	if r.BlockReason == "" {
		r.BlockReason = reason
	}
}

func (r *ValidationResult) addFlags(flags ...string) {
	r.Flags = append(r.Flags, flags...)
}

// LogStatus is the status of a fraud log entry.
type LogStatus string

const (
	StatusBlocked LogStatus = "blocked"
	StatusFlagged LogStatus = "flagged"
)

// FraudLogEntry is the audit record written for every evaluation that
// crosses LogThreshold.
type FraudLogEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ReferrerID  int64     `json:"referrerId"`
	ReferredID  int64     `json:"referredId"`
	RiskScore   int       `json:"riskScore"`
	Flags       []string  `json:"flags"`
	BlockReason string    `json:"blockReason,omitempty"`
	Status      LogStatus `json:"status"`
}

// ReviewStatus is the state of a manual review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewDecision is an administrator's verdict on a flagged user.
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
)

// Valid reports whether d is a known decision.
func (d ReviewDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Review is a user queued for manual review.
type Review struct {
	UserID     int64        `json:"userId"`
	RiskScore  int          `json:"riskScore"`
	Flags      []string     `json:"flags"`
	Reason     string       `json:"reason,omitempty"`
	Status     ReviewStatus `json:"status"`
	Notes      string       `json:"notes,omitempty"`
	FlaggedAt  time.Time    `json:"flaggedAt"`
	ReviewedAt *time.Time   `json:"reviewedAt,omitempty"`
}

// FlagCount is a flag with its frequency.
type FlagCount struct {
	Flag  string `json:"flag"`
	Count int    `json:"count"`
}

// FraudStatistics summarizes recent fraud activity.
type FraudStatistics struct {
	TotalBlocked     int            `json:"totalBlocked"`
	FlaggedToday     int            `json:"flaggedToday"`
	RiskDistribution map[string]int `json:"riskDistribution"`
	CommonFlags      []FlagCount    `json:"commonFlags"`
	DetectionRate    float64        `json:"detectionRate"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// ReferralReader reads referral edges.
type ReferralReader interface {
	GetUserReferralsTimeframe(ctx context.Context, userID int64, hours int) ([]ReferralEdge, error)
	GetUserReferrals(ctx context.Context, userID int64) ([]ReferralEdge, error)
	GetReferralRegistrationTime(ctx context.Context, userID int64) (*time.Time, error)
}

// ActivityReader reads user interactions.
type ActivityReader interface {
	GetUserInteractions(ctx context.Context, userID int64) ([]ActionRecord, error)
	GetUserActions(ctx context.Context, userID int64, limit int) ([]ActionRecord, error)
	GetUserActivityCount(ctx context.Context, userID int64) (int, error)
}

// AccountReader reads account-level data.
type AccountReader interface {
	GetAllUsernames(ctx context.Context) ([]string, error)
	GetRecentAccountCreations(ctx context.Context, hours int) ([]AccountCreation, error)
	GetUserCreationTime(ctx context.Context, userID int64) (*time.Time, error)
	GetReferrerFraudHistory(ctx context.Context, referrerID int64) (*FraudHistory, error)
}

// FraudRecorder persists fraud logs and review flags.
type FraudRecorder interface {
	LogFraudActivity(ctx context.Context, entry *FraudLogEntry) error
	FlagUserForReview(ctx context.Context, userID int64, riskScore int, flags []string, reason string) error
	FraudLogsSince(ctx context.Context, since time.Time) ([]*FraudLogEntry, error)
	CountFraudLogs(ctx context.Context, status LogStatus) (int, error)
	// ListFraudLogs returns up to limit entries older than before, newest
	// first. A nil cursor starts from the most recent entry.
	ListFraudLogs(ctx context.Context, before *pagination.Cursor, limit int) ([]*FraudLogEntry, error)
}

// ModerationStore applies manual review decisions.
type ModerationStore interface {
	GetReview(ctx context.Context, userID int64) (*Review, error)
	ListPendingReviews(ctx context.Context, limit int) ([]*Review, error)
	UpdateUserReviewStatus(ctx context.Context, userID int64, decision ReviewDecision, notes string) error
	UnblockUser(ctx context.Context, userID int64) error
	ProcessPendingRewards(ctx context.Context, userID int64) error
	PermanentlyBlockUser(ctx context.Context, userID int64) error
	RemoveFraudulentRewards(ctx context.Context, userID int64) error
}

// Store is the full persistence contract consumed by the engine.
type Store interface {
	ReferralReader
	ActivityReader
	AccountReader
	FraudRecorder
	ModerationStore
}

// AlertSink delivers admin alerts.
type AlertSink interface {
	SendAdminAlert(ctx context.Context, message string) error
}

// EventSink receives fraud activity as it is recorded. Implementations
// must not block.
type EventSink interface {
	FraudLogged(entry *FraudLogEntry)
	UserReviewed(userID int64, decision ReviewDecision)
}

// ReferralLister supplies outbound referrals from a graph database. It is a
// fast path in front of the Store, never a replacement for it.
type ReferralLister interface {
	GetUserReferrals(ctx context.Context, userID int64) ([]ReferralEdge, error)
}

// ReferralRecorder is implemented by referral listers that mirror accepted
// referrals.
type ReferralRecorder interface {
	RecordReferral(ctx context.Context, edge ReferralEdge) error
}

// ResultCache caches validation results per referral pair.
type ResultCache interface {
	Get(ctx context.Context, referrerID, referredID int64) (*ValidationResult, error)
	Set(ctx context.Context, referrerID, referredID int64, result *ValidationResult) error
}

// ErrorReporter receives errors that forced a fail-closed verdict.
type ErrorReporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}
