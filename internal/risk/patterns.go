package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/refguard/internal/textmetrics"
)

const (
	farmingSimilarCount   = 5
	fraudHistoryBlocks    = 2
	burstCreationsPerHour = 10
	sharedSkeletonCount   = 3

	farmingScore      = 30
	fraudHistoryScore = 40
	coordinatedScore  = 50
)

// PatternResult is the cross-account pattern verdict.
type PatternResult struct {
	Suspicious bool     `json:"suspicious"`
	Score      int      `json:"score"`
	Flags      []string `json:"flags"`
}

// PatternCrossReferencer compares a new account against the rest of the user
// base and the referrer's record.
type PatternCrossReferencer struct {
	accounts AccountReader
}

// NewPatternCrossReferencer creates a pattern analyzer.
func NewPatternCrossReferencer(accounts AccountReader) *PatternCrossReferencer {
	return &PatternCrossReferencer{accounts: accounts}
}

// Analyze sums username-farming, referrer-history and coordinated-creation
// signals.
func (p *PatternCrossReferencer) Analyze(ctx context.Context, referrerID, referredID int64, profile UserProfile) (*PatternResult, error) {
	res := &PatternResult{}

	if profile.Username != "" {
		names, err := p.accounts.GetAllUsernames(ctx)
		if err != nil {
			return nil, fmt.Errorf("load usernames: %w", err)
		}
		similar := countSimilarUsernames(profile.Username, names)
		if similar > farmingSimilarCount {
			res.Score += farmingScore
			res.Flags = append(res.Flags, fmt.Sprintf("Username farming (%d similar usernames)", similar))
		}
	}

	history, err := p.accounts.GetReferrerFraudHistory(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("load referrer fraud history: %w", err)
	}
	if history != nil && history.PreviousBlocks > fraudHistoryBlocks {
		res.Score += fraudHistoryScore
		res.Flags = append(res.Flags, fmt.Sprintf("Referrer has fraud history (%d previous blocks)", history.PreviousBlocks))
	}

	recent, err := p.accounts.GetRecentAccountCreations(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("load recent account creations: %w", err)
	}
	shared := countSharedSkeletons(referredID, profile.Username, recent)
	if len(recent) > burstCreationsPerHour || shared > sharedSkeletonCount {
		res.Score += coordinatedScore
		res.Flags = append(res.Flags, fmt.Sprintf("Coordinated account creation (%d accounts in last hour, %d with same pattern)", len(recent), shared))
	}

	res.Suspicious = res.Score > PatternSuspiciousScore
	return res, nil
}

// countSimilarUsernames counts names above the similarity threshold, skipping
// the candidate itself.
func countSimilarUsernames(username string, names []string) int {
	n := 0
	for _, name := range names {
		if name == "" || strings.EqualFold(name, username) {
			continue
		}
		if textmetrics.Similarity(username, name) > UsernameSimilarityThreshold {
			n++
		}
	}
	return n
}

func countSharedSkeletons(userID int64, username string, recent []AccountCreation) int {
	if username == "" {
		return 0
	}
	skeleton := textmetrics.PatternSkeleton(username)
	n := 0
	for _, acc := range recent {
		if acc.UserID == userID || acc.Username == "" {
			continue
		}
		if textmetrics.PatternSkeleton(acc.Username) == skeleton {
			n++
		}
	}
	return n
}
