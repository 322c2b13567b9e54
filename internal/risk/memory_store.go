package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/refguard/internal/pagination"
)

// RewardStatus is the state of a referral reward.
type RewardStatus string

const (
	RewardPending RewardStatus = "pending"
	RewardPaid    RewardStatus = "paid"
	RewardRevoked RewardStatus = "revoked"
)

// Reward is a referral reward owed to a user.
type Reward struct {
	ID     string       `json:"id"`
	UserID int64        `json:"userId"`
	Amount int64        `json:"amount"`
	Status RewardStatus `json:"status"`
}

// User is the account state the store tracks.
type User struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	CreatedAt          time.Time `json:"createdAt"`
	Blocked            bool      `json:"blocked"`
	PermanentlyBlocked bool      `json:"permanentlyBlocked"`
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[int64]*User
	referrals []ReferralEdge
	actions   map[int64][]ActionRecord
	logs      []*FraudLogEntry
	reviews   map[int64]*Review
	rewards   map[int64][]*Reward
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		users:   make(map[int64]*User),
		actions: make(map[int64][]ActionRecord),
		reviews: make(map[int64]*Review),
		rewards: make(map[int64][]*Reward),
	}
}

// WithClock overrides the clock used for time windows.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// AddUser creates or replaces a user.
func (s *MemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// AddReferral records a referral edge.
func (s *MemoryStore) AddReferral(e ReferralEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals = append(s.referrals, e)
}

// AddAction records a user action.
func (s *MemoryStore) AddAction(a ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.UserID] = append(s.actions[a.UserID], a)
}

// AddReward records a reward.
func (s *MemoryStore) AddReward(r Reward) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards[r.UserID] = append(s.rewards[r.UserID], &r)
}

// GetUser returns a copy of the user, or nil.
func (s *MemoryStore) GetUser(userID int64) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Rewards returns copies of the user's rewards.
func (s *MemoryStore) Rewards(userID int64) []Reward {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reward, 0, len(s.rewards[userID]))
	for _, r := range s.rewards[userID] {
		out = append(out, *r)
	}
	return out
}

func (s *MemoryStore) GetUserReferralsTimeframe(ctx context.Context, userID int64, hours int) ([]ReferralEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	var out []ReferralEdge
	for _, e := range s.referrals {
		if e.ReferrerID == userID && e.CreatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	sortEdgesDesc(out)
	return out, nil
}

func (s *MemoryStore) GetUserReferrals(ctx context.Context, userID int64) ([]ReferralEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ReferralEdge
	for _, e := range s.referrals {
		if e.ReferrerID == userID {
			out = append(out, e)
		}
	}
	sortEdgesDesc(out)
	return out, nil
}

func (s *MemoryStore) GetReferralRegistrationTime(ctx context.Context, userID int64) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.referrals {
		if e.ReferredUserID == userID {
			t := e.CreatedAt
			return &t, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetUserInteractions(ctx context.Context, userID int64) ([]ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ActionRecord, len(s.actions[userID]))
	copy(out, s.actions[userID])
	return out, nil
}

func (s *MemoryStore) GetUserActions(ctx context.Context, userID int64, limit int) ([]ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ActionRecord, len(s.actions[userID]))
	copy(out, s.actions[userID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetUserActivityCount(ctx context.Context, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions[userID]), nil
}

func (s *MemoryStore) GetAllUsernames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for _, u := range s.users {
		if u.Username != "" {
			out = append(out, u.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetRecentAccountCreations(ctx context.Context, hours int) ([]AccountCreation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	var out []AccountCreation
	for _, u := range s.users {
		if u.CreatedAt.After(cutoff) {
			out = append(out, AccountCreation{UserID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetUserCreationTime(ctx context.Context, userID int64) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	t := u.CreatedAt
	return &t, nil
}

func (s *MemoryStore) GetReferrerFraudHistory(ctx context.Context, referrerID int64) (*FraudHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := &FraudHistory{}
	for _, l := range s.logs {
		if l.ReferrerID == referrerID && l.Status == StatusBlocked {
			h.PreviousBlocks++
		}
	}
	return h, nil
}

func (s *MemoryStore) LogFraudActivity(ctx context.Context, entry *FraudLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, copyLogEntry(entry))
	return nil
}

// FlagUserForReview queues the user for review and blocks them until a
// decision is made. Re-flagging reopens an approved review; a rejection is
// final and is left untouched.
func (s *MemoryStore) FlagUserForReview(ctx context.Context, userID int64, riskScore int, flags []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.reviews[userID]; ok && r.Status == ReviewRejected {
		return nil
	}
	s.reviews[userID] = &Review{
		UserID:    userID,
		RiskScore: riskScore,
		Flags:     append([]string(nil), flags...),
		Reason:    reason,
		Status:    ReviewPending,
		FlaggedAt: s.now(),
	}
	if u, ok := s.users[userID]; ok {
		u.Blocked = true
	}
	return nil
}

func (s *MemoryStore) FraudLogsSince(ctx context.Context, since time.Time) ([]*FraudLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*FraudLogEntry
	for _, l := range s.logs {
		if !l.Timestamp.Before(since) {
			out = append(out, copyLogEntry(l))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFraudLogs(ctx context.Context, before *pagination.Cursor, limit int) ([]*FraudLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FraudLogEntry, 0, len(s.logs))
	for _, l := range s.logs {
		if before.Before(l.Timestamp, l.ID) {
			out = append(out, copyLogEntry(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountFraudLogs(ctx context.Context, status LogStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, l := range s.logs {
		if l.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetReview(ctx context.Context, userID int64) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reviews[userID]
	if !ok {
		return nil, ErrReviewNotFound
	}
	return copyReview(r), nil
}

// ListPendingReviews returns pending reviews oldest first. A non-positive
// limit returns all of them.
func (s *MemoryStore) ListPendingReviews(ctx context.Context, limit int) ([]*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Review
	for _, r := range s.reviews {
		if r.Status == ReviewPending {
			out = append(out, copyReview(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlaggedAt.Equal(out[j].FlaggedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].FlaggedAt.Before(out[j].FlaggedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateUserReviewStatus(ctx context.Context, userID int64, decision ReviewDecision, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[userID]
	if !ok {
		return ErrReviewNotFound
	}
	now := s.now()
	r.Status = ReviewStatus(decision)
	r.Notes = notes
	r.ReviewedAt = &now
	return nil
}

func (s *MemoryStore) UnblockUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok && !u.PermanentlyBlocked {
		u.Blocked = false
	}
	return nil
}

func (s *MemoryStore) ProcessPendingRewards(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rewards[userID] {
		if r.Status == RewardPending {
			r.Status = RewardPaid
		}
	}
	return nil
}

func (s *MemoryStore) PermanentlyBlockUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Blocked = true
		u.PermanentlyBlocked = true
	}
	return nil
}

func (s *MemoryStore) RemoveFraudulentRewards(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rewards[userID] {
		r.Status = RewardRevoked
	}
	return nil
}

func sortEdgesDesc(edges []ReferralEdge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].CreatedAt.After(edges[j].CreatedAt) })
}

func copyLogEntry(e *FraudLogEntry) *FraudLogEntry {
	cp := *e
	cp.Flags = append([]string(nil), e.Flags...)
	return &cp
}

func copyReview(r *Review) *Review {
	cp := *r
	cp.Flags = append([]string(nil), r.Flags...)
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}
