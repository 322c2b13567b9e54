package risk

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RateLimitResult is the outcome of the referral velocity check.
type RateLimitResult struct {
	Valid    bool     `json:"valid"`
	Count1h  int      `json:"count1h"`
	Count24h int      `json:"count24h"`
	Flags    []string `json:"flags"`
}

// RateLimitChecker limits how fast a referrer may bring in new users.
type RateLimitChecker struct {
	referrals ReferralReader
	now       func() time.Time
}

// NewRateLimitChecker creates a velocity checker.
func NewRateLimitChecker(referrals ReferralReader, now func() time.Time) *RateLimitChecker {
	if now == nil {
		now = time.Now
	}
	return &RateLimitChecker{referrals: referrals, now: now}
}

// Check counts the referrer's referrals over the trailing day and hour. The
// hourly count is derived from the daily window, so a single query serves
// both limits.
func (c *RateLimitChecker) Check(ctx context.Context, referrerID int64) (*RateLimitResult, error) {
	edges, err := c.referrals.GetUserReferralsTimeframe(ctx, referrerID, 24)
	if err != nil {
		return nil, fmt.Errorf("load 24h referrals: %w", err)
	}

	hourAgo := c.now().Add(-time.Hour)
	res := &RateLimitResult{Valid: true, Count24h: len(edges)}
	for _, e := range edges {
		if e.CreatedAt.After(hourAgo) {
			res.Count1h++
		}
	}

	if res.Count24h >= ReferralsPerDay {
		res.Valid = false
		res.Flags = append(res.Flags, fmt.Sprintf("Daily referral limit reached (%d/%d)", res.Count24h, ReferralsPerDay))
	}
	if res.Count1h >= ReferralsPerHour {
		res.Valid = false
		res.Flags = append(res.Flags, fmt.Sprintf("Hourly referral limit reached (%d/%d)", res.Count1h, ReferralsPerHour))
	}

	if gap, ok := shortestGap(edges); ok && gap < MinReferralGap {
		res.Flags = append(res.Flags, fmt.Sprintf("Referrals too rapid (%ds apart)", int(gap.Seconds())))
	}
	return res, nil
}

// shortestGap returns the smallest gap between consecutive referrals.
func shortestGap(edges []ReferralEdge) (time.Duration, bool) {
	if len(edges) < 2 {
		return 0, false
	}
	sorted := make([]ReferralEdge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	shortest := time.Duration(-1)
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i-1].CreatedAt.Sub(sorted[i].CreatedAt)
		if shortest < 0 || gap < shortest {
			shortest = gap
		}
	}
	return shortest, true
}
