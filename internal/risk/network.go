package risk

import (
	"context"
	"fmt"
	"sort"
)

const (
	farmReferralsPerDay = 20
	farmSampleSize      = 10
	farmInactiveLimit   = 7
	inactiveActivity    = 3
)

// NetworkAssessment is the referral-graph verdict.
type NetworkAssessment struct {
	Circular bool `json:"circular"`
	Farm     bool `json:"farm"`
}

// Indicator reports whether any graph signal fired.
func (n NetworkAssessment) Indicator() bool {
	return n.Circular || n.Farm
}

// NetworkAnalyzer inspects the referral graph around a referral.
type NetworkAnalyzer struct {
	referrals ReferralReader
	graph     ReferralLister
	activity  ActivityReader
}

// NewNetworkAnalyzer creates a graph analyzer. When graph is set it is
// consulted first for circular referrals; referrals remains the source of
// truth on a miss or a graph error.
func NewNetworkAnalyzer(referrals ReferralReader, graph ReferralLister, activity ActivityReader) *NetworkAnalyzer {
	return &NetworkAnalyzer{referrals: referrals, graph: graph, activity: activity}
}

// DetectCircularReferrals reports whether referredID has itself referred
// referrerID.
func (a *NetworkAnalyzer) DetectCircularReferrals(ctx context.Context, referrerID, referredID int64) (bool, error) {
	if a.graph != nil {
		edges, err := a.graph.GetUserReferrals(ctx, referredID)
		switch {
		case err != nil:
			graphLookupsTotal.WithLabelValues("error").Inc()
		case refersTo(edges, referrerID):
			graphLookupsTotal.WithLabelValues("hit").Inc()
			return true, nil
		default:
			graphLookupsTotal.WithLabelValues("miss").Inc()
		}
	}

	// the graph only mirrors referrals this engine accepted
	edges, err := a.referrals.GetUserReferrals(ctx, referredID)
	if err != nil {
		return false, fmt.Errorf("load outbound referrals: %w", err)
	}
	return refersTo(edges, referrerID), nil
}

func refersTo(edges []ReferralEdge, userID int64) bool {
	for _, e := range edges {
		if e.ReferredUserID == userID {
			return true
		}
	}
	return false
}

// DetectReferralFarm flags referrers with excessive daily volume or whose
// recent referrals are mostly inactive.
func (a *NetworkAnalyzer) DetectReferralFarm(ctx context.Context, referrerID int64) (bool, error) {
	recent, err := a.referrals.GetUserReferralsTimeframe(ctx, referrerID, 24)
	if err != nil {
		return false, fmt.Errorf("load 24h referrals: %w", err)
	}
	if len(recent) > farmReferralsPerDay {
		return true, nil
	}

	all, err := a.referrals.GetUserReferrals(ctx, referrerID)
	if err != nil {
		return false, fmt.Errorf("load referrals: %w", err)
	}
	sorted := make([]ReferralEdge, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if len(sorted) > farmSampleSize {
		sorted = sorted[:farmSampleSize]
	}

	inactive := 0
	for _, e := range sorted {
		count, err := a.activity.GetUserActivityCount(ctx, e.ReferredUserID)
		if err != nil {
			return false, fmt.Errorf("load activity for user %d: %w", e.ReferredUserID, err)
		}
		if count < inactiveActivity {
			inactive++
		}
	}
	return inactive > farmInactiveLimit, nil
}

// Analyze runs both graph checks.
func (a *NetworkAnalyzer) Analyze(ctx context.Context, referrerID, referredID int64) (NetworkAssessment, error) {
	var n NetworkAssessment
	var err error
	if n.Circular, err = a.DetectCircularReferrals(ctx, referrerID, referredID); err != nil {
		return n, err
	}
	if n.Farm, err = a.DetectReferralFarm(ctx, referrerID); err != nil {
		return n, err
	}
	return n, nil
}
