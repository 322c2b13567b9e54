package risk

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	botActionSample      = 50
	regularIntervalRun   = 3
	instantReferralLimit = 10 * time.Second
	newAccountDays       = 7
)

// Bot confidence weights.
const (
	weightGeneratedUsername = 30
	weightMissingFirstName  = 20
	weightMissingPhoto      = 15
	weightNewAccount        = 25
	weightRegularTiming     = 40
	weightRapidActions      = 30
	weightInstantReferral   = 40
)

// UsernamePattern is a named generated-username classifier.
type UsernamePattern struct {
	Name string
	Expr *regexp.Regexp
}

// GeneratedUsernamePatterns match usernames typical of scripted sign-ups.
// Usernames are lowercased before matching.
var GeneratedUsernamePatterns = []UsernamePattern{
	{Name: "user_number", Expr: regexp.MustCompile(`^user\d+$`)},
	{Name: "word_digits", Expr: regexp.MustCompile(`^[a-z]+\d{3,}$`)},
	{Name: "short_triplet", Expr: regexp.MustCompile(`^[a-z]{1,3}_[a-z]{1,3}_\d+$`)},
	{Name: "bot_suffix", Expr: regexp.MustCompile(`^\w+_bot$`)},
}

// MatchGeneratedUsername returns the first pattern matching username.
func MatchGeneratedUsername(username string) (UsernamePattern, bool) {
	if username == "" {
		return UsernamePattern{}, false
	}
	lower := strings.ToLower(username)
	for _, p := range GeneratedUsernamePatterns {
		if p.Expr.MatchString(lower) {
			return p, true
		}
	}
	return UsernamePattern{}, false
}

// BotAssessment is the bot detector's verdict.
type BotAssessment struct {
	IsBot      bool     `json:"isBot"`
	Confidence int      `json:"confidence"`
	Flags      []string `json:"flags"`
}

func (a *BotAssessment) add(weight int, flag string) {
	a.Confidence += weight
	a.Flags = append(a.Flags, flag)
}

// BotBehaviorDetector scores how bot-like a referred account looks.
type BotBehaviorDetector struct {
	activity  ActivityReader
	referrals ReferralReader
	accounts  AccountReader
}

// NewBotBehaviorDetector creates a bot detector.
func NewBotBehaviorDetector(activity ActivityReader, referrals ReferralReader, accounts AccountReader) *BotBehaviorDetector {
	return &BotBehaviorDetector{activity: activity, referrals: referrals, accounts: accounts}
}

// Detect combines profile, timing and instant-referral signals.
func (d *BotBehaviorDetector) Detect(ctx context.Context, userID int64, profile UserProfile) (*BotAssessment, error) {
	a := &BotAssessment{}

	if p, ok := MatchGeneratedUsername(profile.Username); ok {
		a.add(weightGeneratedUsername, fmt.Sprintf("Generated username pattern (%s)", p.Name))
	}
	if profile.FirstName == "" {
		a.add(weightMissingFirstName, "Missing first name")
	}
	if !profile.ProfilePhotoPresent {
		a.add(weightMissingPhoto, "No profile photo")
	}
	if profile.AccountAgeDays < newAccountDays {
		a.add(weightNewAccount, fmt.Sprintf("New account (%d days old)", profile.AccountAgeDays))
	}

	actions, err := d.activity.GetUserActions(ctx, userID, botActionSample)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	timing := analyzeActionTiming(actions)
	if timing.regular {
		a.add(weightRegularTiming, "Robotic action timing")
	}
	if timing.rapid > RapidActionsPerMinute {
		a.add(weightRapidActions, fmt.Sprintf("Rapid-fire actions (%d within 1s)", timing.rapid))
	}

	registered, err := d.referrals.GetReferralRegistrationTime(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load registration time: %w", err)
	}
	created, err := d.accounts.GetUserCreationTime(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load creation time: %w", err)
	}
	if registered != nil && created != nil && registered.Sub(*created) < instantReferralLimit {
		a.add(weightInstantReferral, "Instant referral after account creation")
	}

	a.IsBot = a.Confidence > BotConfidenceThreshold
	return a, nil
}

type actionTiming struct {
	regular bool
	rapid   int
}

// analyzeActionTiming looks at gaps between consecutive actions. Gaps of at
// most one second are rapid; a run of regularIntervalRun identical
// whole-second gaps marks the timing as regular.
func analyzeActionTiming(actions []ActionRecord) actionTiming {
	var t actionTiming
	if len(actions) < 2 {
		return t
	}
	sorted := make([]ActionRecord, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	run := 0
	var prev int64 = -1
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Timestamp.Sub(sorted[i-1].Timestamp)
		if d <= time.Second {
			t.rapid++
		}
		gap := wholeSeconds(d)
		if gap == prev {
			run++
		} else {
			run = 1
			prev = gap
		}
		if run >= regularIntervalRun {
			t.regular = true
		}
	}
	return t
}

// wholeSeconds quantizes a gap to the nearest second for interval
// comparisons.
func wholeSeconds(d time.Duration) int64 {
	return int64(d.Round(time.Second) / time.Second)
}
