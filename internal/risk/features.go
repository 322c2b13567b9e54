package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/refguard/internal/textmetrics"
)

const (
	lowEntropyThreshold   = 2.5
	timingMinReferrals    = 5
	timingMaxDistinctGaps = 2

	entropyFactor = 1
	timingFactor  = 2
	networkFactor = 3

	pointsPerFactor = 15
	maxFeatureScore = 60
)

// FeatureVector is extracted for logging and tracing. It is not scored.
type FeatureVector struct {
	UsernameLength         int  `json:"usernameLength"`
	HasUsername            bool `json:"hasUsername"`
	HasFirstName           bool `json:"hasFirstName"`
	HasPhoto               bool `json:"hasPhoto"`
	HourOfDay              int  `json:"hourOfDay"`
	DayOfWeek              int  `json:"dayOfWeek"`
	ReferrerTotalReferrals int  `json:"referrerTotalReferrals"`
	ReferrerReferrals24h   int  `json:"referrerReferrals24h"`
}

// FeatureScore is the rule-based model output.
type FeatureScore struct {
	Score       int               `json:"score"`
	RiskFactors int               `json:"riskFactors"`
	Features    FeatureVector     `json:"features"`
	Network     NetworkAssessment `json:"network"`
	Flags       []string          `json:"flags"`
}

// FeatureScorer turns username entropy, referral timing and graph signals
// into a bounded score.
type FeatureScorer struct {
	referrals ReferralReader
	network   *NetworkAnalyzer
	now       func() time.Time
}

// NewFeatureScorer creates a feature scorer.
func NewFeatureScorer(referrals ReferralReader, network *NetworkAnalyzer, now func() time.Time) *FeatureScorer {
	if now == nil {
		now = time.Now
	}
	return &FeatureScorer{referrals: referrals, network: network, now: now}
}

// Score computes min(riskFactors*15, 60).
func (s *FeatureScorer) Score(ctx context.Context, referrerID, referredID int64, profile UserProfile) (*FeatureScore, error) {
	recent, err := s.referrals.GetUserReferralsTimeframe(ctx, referrerID, 24)
	if err != nil {
		return nil, fmt.Errorf("load 24h referrals: %w", err)
	}
	all, err := s.referrals.GetUserReferrals(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("load referrals: %w", err)
	}

	now := s.now().UTC()
	out := &FeatureScore{
		Features: FeatureVector{
			UsernameLength:         len([]rune(profile.Username)),
			HasUsername:            profile.Username != "",
			HasFirstName:           profile.FirstName != "",
			HasPhoto:               profile.ProfilePhotoPresent,
			HourOfDay:              now.Hour(),
			DayOfWeek:              int(now.Weekday()),
			ReferrerTotalReferrals: len(all),
			ReferrerReferrals24h:   len(recent),
		},
	}

	if h := textmetrics.ShannonEntropy(profile.Username); h < lowEntropyThreshold {
		out.RiskFactors += entropyFactor
		out.Flags = append(out.Flags, fmt.Sprintf("Low username entropy (%.2f)", h))
	}
	if suspiciousTiming(recent) {
		out.RiskFactors += timingFactor
		out.Flags = append(out.Flags, "Suspicious referral timing")
	}

	out.Network, err = s.network.Analyze(ctx, referrerID, referredID)
	if err != nil {
		return nil, err
	}
	if out.Network.Circular {
		out.Flags = append(out.Flags, "Circular referral detected")
	}
	if out.Network.Farm {
		out.Flags = append(out.Flags, "Referral farm detected")
	}
	if out.Network.Indicator() {
		out.RiskFactors += networkFactor
	}

	out.Score = min(out.RiskFactors*pointsPerFactor, maxFeatureScore)
	return out, nil
}

// suspiciousTiming reports near-identical spacing: more than five referrals
// whose whole-second gaps take at most two distinct values.
func suspiciousTiming(edges []ReferralEdge) bool {
	if len(edges) <= timingMinReferrals {
		return false
	}
	sorted := make([]ReferralEdge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	gaps := make(map[int64]struct{})
	for i := 1; i < len(sorted); i++ {
		gaps[wholeSeconds(sorted[i].CreatedAt.Sub(sorted[i-1].CreatedAt))] = struct{}{}
	}
	return len(gaps) <= timingMaxDistinctGaps
}
