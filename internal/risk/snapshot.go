package risk

import (
	"context"
	"sync"
	"time"
)

type memo[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (m *memo[T]) load(fn func() (T, error)) (T, error) {
	m.once.Do(func() { m.val, m.err = fn() })
	return m.val, m.err
}

type windowKey struct {
	userID int64
	hours  int
}

// referralSnapshot memoizes referral reads for one evaluation so stages
// running concurrently share a single query per key. Returned slices are
// shared and must be treated as read-only.
type referralSnapshot struct {
	reader ReferralReader

	mu      sync.Mutex
	windows map[windowKey]*memo[[]ReferralEdge]
	lists   map[int64]*memo[[]ReferralEdge]
}

func newReferralSnapshot(reader ReferralReader) *referralSnapshot {
	return &referralSnapshot{
		reader:  reader,
		windows: make(map[windowKey]*memo[[]ReferralEdge]),
		lists:   make(map[int64]*memo[[]ReferralEdge]),
	}
}

func (s *referralSnapshot) GetUserReferralsTimeframe(ctx context.Context, userID int64, hours int) ([]ReferralEdge, error) {
	key := windowKey{userID: userID, hours: hours}
	s.mu.Lock()
	m, ok := s.windows[key]
	if !ok {
		m = &memo[[]ReferralEdge]{}
		s.windows[key] = m
	}
	s.mu.Unlock()
	return m.load(func() ([]ReferralEdge, error) {
		return s.reader.GetUserReferralsTimeframe(ctx, userID, hours)
	})
}

func (s *referralSnapshot) GetUserReferrals(ctx context.Context, userID int64) ([]ReferralEdge, error) {
	s.mu.Lock()
	m, ok := s.lists[userID]
	if !ok {
		m = &memo[[]ReferralEdge]{}
		s.lists[userID] = m
	}
	s.mu.Unlock()
	return m.load(func() ([]ReferralEdge, error) {
		return s.reader.GetUserReferrals(ctx, userID)
	})
}

func (s *referralSnapshot) GetReferralRegistrationTime(ctx context.Context, userID int64) (*time.Time, error) {
	return s.reader.GetReferralRegistrationTime(ctx, userID)
}
