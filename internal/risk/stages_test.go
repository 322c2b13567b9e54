package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("19 in a day is allowed", func(t *testing.T) {
		store := newTestStore()
		ages := make([]time.Duration, 19)
		for i := range ages {
			ages[i] = time.Duration(i+2) * time.Hour
		}
		addReferrals(store, 1, 100, ages...)

		res, err := NewRateLimitChecker(store, fixedClock).Check(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 19, res.Count24h)
		assert.Zero(t, res.Count1h)
		assert.Empty(t, res.Flags)
	})

	t.Run("20 in a day hits the daily limit", func(t *testing.T) {
		store := newTestStore()
		ages := make([]time.Duration, 20)
		for i := range ages {
			ages[i] = time.Duration(i+2) * time.Hour / 2
		}
		addReferrals(store, 1, 100, ages...)

		res, err := NewRateLimitChecker(store, fixedClock).Check(ctx, 1)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, []string{"Daily referral limit reached (20/20)"}, res.Flags)
	})

	t.Run("old referrals are ignored", func(t *testing.T) {
		store := newTestStore()
		addReferrals(store, 1, 100, 25*time.Hour, 26*time.Hour, 27*time.Hour, 28*time.Hour, 29*time.Hour)

		res, err := NewRateLimitChecker(store, fixedClock).Check(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Zero(t, res.Count24h)
	})

	t.Run("rapid referrals flagged without blocking", func(t *testing.T) {
		store := newTestStore()
		addReferrals(store, 1, 100, 3*time.Hour, 3*time.Hour+29*time.Second)

		res, err := NewRateLimitChecker(store, fixedClock).Check(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, []string{"Referrals too rapid (29s apart)"}, res.Flags)
	})

	t.Run("30 second gap is acceptable", func(t *testing.T) {
		store := newTestStore()
		addReferrals(store, 1, 100, 3*time.Hour, 3*time.Hour+30*time.Second)

		res, err := NewRateLimitChecker(store, fixedClock).Check(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, res.Flags)
	})
}

func TestMatchGeneratedUsername(t *testing.T) {
	tests := []struct {
		username string
		want     string
	}{
		{"user123", "user_number"},
		{"USER42", "user_number"},
		{"alice2024", "word_digits"},
		{"ab_cd_7", "short_triplet"},
		{"crawler_bot", "bot_suffix"},
		{"margaret_k", ""},
		{"alice12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			p, ok := MatchGeneratedUsername(tt.username)
			assert.Equal(t, tt.want != "", ok)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}

func TestAnalyzeActionTiming(t *testing.T) {
	at := func(offsets ...int) []ActionRecord {
		out := make([]ActionRecord, len(offsets))
		for i, s := range offsets {
			out[i] = ActionRecord{UserID: 1, Type: "click", Timestamp: testNow.Add(time.Duration(s) * time.Second)}
		}
		return out
	}

	t.Run("three equal gaps are regular", func(t *testing.T) {
		timing := analyzeActionTiming(at(0, 5, 10, 15))
		assert.True(t, timing.regular)
		assert.Zero(t, timing.rapid)
	})

	t.Run("two equal gaps are not", func(t *testing.T) {
		timing := analyzeActionTiming(at(0, 5, 10, 17))
		assert.False(t, timing.regular)
	})

	t.Run("order does not matter", func(t *testing.T) {
		timing := analyzeActionTiming(at(15, 0, 10, 5))
		assert.True(t, timing.regular)
	})

	t.Run("one-second gaps count as rapid", func(t *testing.T) {
		offsets := make([]int, 12)
		for i := range offsets {
			offsets[i] = i
		}
		timing := analyzeActionTiming(at(offsets...))
		assert.Equal(t, 11, timing.rapid)
	})

	t.Run("gaps just over a second are not rapid", func(t *testing.T) {
		actions := []ActionRecord{
			{UserID: 1, Timestamp: testNow},
			{UserID: 1, Timestamp: testNow.Add(1900 * time.Millisecond)},
			{UserID: 1, Timestamp: testNow.Add(2900 * time.Millisecond)},
		}
		timing := analyzeActionTiming(actions)
		assert.Equal(t, 1, timing.rapid)
	})

	t.Run("jitter rounds to the same interval", func(t *testing.T) {
		actions := []ActionRecord{
			{UserID: 1, Timestamp: testNow},
			{UserID: 1, Timestamp: testNow.Add(5100 * time.Millisecond)},
			{UserID: 1, Timestamp: testNow.Add(9900 * time.Millisecond)},
			{UserID: 1, Timestamp: testNow.Add(15 * time.Second)},
		}
		assert.True(t, analyzeActionTiming(actions).regular)
	})

	t.Run("single action", func(t *testing.T) {
		assert.Equal(t, actionTiming{}, analyzeActionTiming(at(0)))
	})
}

func TestBotBehaviorDetector(t *testing.T) {
	ctx := context.Background()

	t.Run("complete profile is human", func(t *testing.T) {
		store := newTestStore()
		seedActiveUser(store, 2, "margaret_k")

		a, err := NewBotBehaviorDetector(store, store, store).Detect(ctx, 2, humanProfile)
		require.NoError(t, err)
		assert.False(t, a.IsBot)
		assert.Zero(t, a.Confidence)
	})

	t.Run("regular timing tips the balance", func(t *testing.T) {
		store := newTestStore()
		seedActiveUser(store, 2, "user123")
		profile := UserProfile{Username: "user123", FirstName: "Sam", AccountAgeDays: 30}

		// generated username 30 + missing photo 15 = 45; add a regular rhythm
		for i := 0; i < 4; i++ {
			store.AddAction(ActionRecord{UserID: 2, Type: "click", Timestamp: testNow.Add(time.Duration(i*7) * time.Second)})
		}

		a, err := NewBotBehaviorDetector(store, store, store).Detect(ctx, 2, profile)
		require.NoError(t, err)
		assert.Equal(t, 85, a.Confidence)
		assert.True(t, a.IsBot)
		assert.Contains(t, a.Flags, "Robotic action timing")
	})

	t.Run("instant referral after creation", func(t *testing.T) {
		store := newTestStore()
		created := testNow.Add(-time.Hour)
		store.AddUser(User{ID: 2, Username: "margaret_k", CreatedAt: created})
		store.AddReferral(ReferralEdge{ReferrerID: 1, ReferredUserID: 2, CreatedAt: created.Add(5 * time.Second)})

		a, err := NewBotBehaviorDetector(store, store, store).Detect(ctx, 2, humanProfile)
		require.NoError(t, err)
		assert.Equal(t, weightInstantReferral, a.Confidence)
		assert.Equal(t, []string{"Instant referral after account creation"}, a.Flags)
		assert.False(t, a.IsBot)
	})

	t.Run("unknown account age counts as old", func(t *testing.T) {
		store := newTestStore()
		profile := humanProfile
		profile.AccountAgeDays = UnknownAccountAge

		a, err := NewBotBehaviorDetector(store, store, store).Detect(ctx, 9, profile)
		require.NoError(t, err)
		assert.Zero(t, a.Confidence)
	})
}

func TestActivityValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("four interactions is too few", func(t *testing.T) {
		store := newTestStore()
		for i, typ := range []string{"message", "post", "like", "comment"} {
			store.AddAction(ActionRecord{UserID: 2, Type: typ, Timestamp: testNow.Add(-time.Duration(i) * time.Hour)})
		}
		res, err := NewActivityValidator(store).Check(ctx, 2)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, []string{"Insufficient activity (4/5 interactions)"}, res.Flags)
	})

	t.Run("five interactions of one kind is valid but flagged", func(t *testing.T) {
		store := newTestStore()
		for i := 0; i < 5; i++ {
			store.AddAction(ActionRecord{UserID: 2, Type: "like", Timestamp: testNow.Add(-time.Duration(i) * time.Hour)})
		}
		res, err := NewActivityValidator(store).Check(ctx, 2)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 5, res.Interactions)
		assert.Equal(t, []string{"Low engagement diversity (1 action types)", "No message activity"}, res.Flags)
	})
}

func TestNetworkAnalyzer_FarmBoundary(t *testing.T) {
	ctx := context.Background()

	// seedFarm records n referrals in the last day to users that each have
	// enough activity to count as active.
	seedFarm := func(n int) *MemoryStore {
		store := newTestStore()
		for i := 0; i < n; i++ {
			id := int64(100 + i)
			store.AddReferral(ReferralEdge{ReferrerID: 1, ReferredUserID: id, CreatedAt: testNow.Add(-time.Duration(i*55+i*i/4) * time.Minute)})
			for j := 0; j < inactiveActivity; j++ {
				store.AddAction(ActionRecord{UserID: id, Type: "post", Timestamp: testNow.Add(-time.Duration(j) * time.Hour)})
			}
		}
		return store
	}

	for _, tc := range []struct {
		referrals int
		farm      bool
	}{{20, false}, {21, true}} {
		t.Run(fmt.Sprintf("%d referrals", tc.referrals), func(t *testing.T) {
			store := seedFarm(tc.referrals)
			farm, err := NewNetworkAnalyzer(store, nil, store).DetectReferralFarm(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.farm, farm)
		})
	}
}

func TestNetworkAnalyzer_InactiveReferrals(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		inactive int
		farm     bool
	}{{7, false}, {8, true}} {
		t.Run(fmt.Sprintf("%d of 10 inactive", tc.inactive), func(t *testing.T) {
			store := newTestStore()
			for i := 0; i < 10; i++ {
				id := int64(100 + i)
				// older referrals outside the sample are ignored
				store.AddReferral(ReferralEdge{ReferrerID: 1, ReferredUserID: id, CreatedAt: testNow.Add(-time.Duration(48+i) * time.Hour)})
				if i >= tc.inactive {
					for j := 0; j < inactiveActivity; j++ {
						store.AddAction(ActionRecord{UserID: id, Type: "post", Timestamp: testNow})
					}
				}
			}
			store.AddReferral(ReferralEdge{ReferrerID: 1, ReferredUserID: 999, CreatedAt: testNow.Add(-30 * 24 * time.Hour)})

			farm, err := NewNetworkAnalyzer(store, nil, store).DetectReferralFarm(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.farm, farm)
		})
	}
}

func TestNetworkAnalyzer_Circular(t *testing.T) {
	store := newTestStore()
	store.AddReferral(ReferralEdge{ReferrerID: 2, ReferredUserID: 1, CreatedAt: testNow.Add(-time.Hour)})
	analyzer := NewNetworkAnalyzer(store, nil, store)

	circular, err := analyzer.DetectCircularReferrals(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.True(t, circular)

	circular, err = analyzer.DetectCircularReferrals(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.False(t, circular, "the edge only runs one way")
}

func TestPatternCrossReferencer(t *testing.T) {
	ctx := context.Background()

	t.Run("referrer fraud history", func(t *testing.T) {
		store := newTestStore()
		for i := 0; i < 3; i++ {
			require.NoError(t, store.LogFraudActivity(ctx, &FraudLogEntry{ID: fmt.Sprintf("fl_%d", i), ReferrerID: 1, Status: StatusBlocked, Timestamp: testNow}))
		}
		res, err := NewPatternCrossReferencer(store).Analyze(ctx, 1, 2, UserProfile{})
		require.NoError(t, err)
		assert.Equal(t, fraudHistoryScore, res.Score)
		assert.True(t, res.Suspicious)
		assert.Equal(t, []string{"Referrer has fraud history (3 previous blocks)"}, res.Flags)
	})

	t.Run("two previous blocks are tolerated", func(t *testing.T) {
		store := newTestStore()
		for i := 0; i < 2; i++ {
			require.NoError(t, store.LogFraudActivity(ctx, &FraudLogEntry{ID: fmt.Sprintf("fl_%d", i), ReferrerID: 1, Status: StatusBlocked, Timestamp: testNow}))
		}
		res, err := NewPatternCrossReferencer(store).Analyze(ctx, 1, 2, UserProfile{})
		require.NoError(t, err)
		assert.Zero(t, res.Score)
	})

	t.Run("coordinated creation burst", func(t *testing.T) {
		store := newTestStore()
		for i := 0; i < 11; i++ {
			store.AddUser(User{ID: int64(300 + i), Username: fmt.Sprintf("acct%d", 100+i), CreatedAt: testNow.Add(-time.Duration(i+1) * time.Minute)})
		}
		res, err := NewPatternCrossReferencer(store).Analyze(ctx, 1, 2, UserProfile{Username: "acct999"})
		require.NoError(t, err)
		assert.Equal(t, coordinatedScore, res.Score)
		assert.True(t, res.Suspicious)
		assert.Equal(t, "Coordinated account creation (11 accounts in last hour, 11 with same pattern)", res.Flags[0])
	})

	t.Run("shared skeleton alone", func(t *testing.T) {
		store := newTestStore()
		for i := 0; i < 4; i++ {
			store.AddUser(User{ID: int64(300 + i), Username: fmt.Sprintf("zz_%d", i), CreatedAt: testNow.Add(-time.Minute)})
		}
		res, err := NewPatternCrossReferencer(store).Analyze(ctx, 1, 2, UserProfile{Username: "qq_9"})
		require.NoError(t, err)
		assert.Equal(t, coordinatedScore, res.Score)
	})
}

func TestSuspiciousTiming(t *testing.T) {
	even := func(n int, gap time.Duration) []ReferralEdge {
		out := make([]ReferralEdge, n)
		for i := range out {
			out[i] = ReferralEdge{ReferrerID: 1, ReferredUserID: int64(i), CreatedAt: testNow.Add(-time.Duration(i) * gap)}
		}
		return out
	}

	assert.False(t, suspiciousTiming(even(5, time.Minute)), "five referrals are not enough")
	assert.True(t, suspiciousTiming(even(6, time.Minute)))

	irregular := even(6, time.Minute)
	irregular[2].CreatedAt = irregular[2].CreatedAt.Add(-13 * time.Second)
	irregular[4].CreatedAt = irregular[4].CreatedAt.Add(-29 * time.Second)
	assert.False(t, suspiciousTiming(irregular))
}

func TestFeatureScorer_ScoreCapped(t *testing.T) {
	store := newTestStore()
	ages := make([]time.Duration, 21)
	for i := range ages {
		ages[i] = time.Duration(i+1) * time.Minute
	}
	addReferrals(store, 1, 100, ages...)
	store.AddReferral(ReferralEdge{ReferrerID: 2, ReferredUserID: 1, CreatedAt: testNow.Add(-48 * time.Hour)})

	scorer := NewFeatureScorer(store, NewNetworkAnalyzer(store, nil, store), fixedClock)
	s, err := scorer.Score(context.Background(), 1, 2, UserProfile{Username: "aaaa"})
	require.NoError(t, err)

	assert.Equal(t, entropyFactor+timingFactor+networkFactor, s.RiskFactors)
	assert.Equal(t, maxFeatureScore, s.Score)
	assert.True(t, s.Network.Circular)
	assert.True(t, s.Network.Farm)
	assert.Equal(t, []string{
		"Low username entropy (0.00)",
		"Suspicious referral timing",
		"Circular referral detected",
		"Referral farm detected",
	}, s.Flags)
	assert.Equal(t, 21, s.Features.ReferrerReferrals24h)
	assert.Equal(t, 4, s.Features.UsernameLength)
	assert.Equal(t, 12, s.Features.HourOfDay)
}

func TestFeatureScorer_SingleFactor(t *testing.T) {
	store := newTestStore()
	scorer := NewFeatureScorer(store, NewNetworkAnalyzer(store, nil, store), fixedClock)

	s, err := scorer.Score(context.Background(), 1, 2, UserProfile{})
	require.NoError(t, err)
	assert.Equal(t, pointsPerFactor, s.Score, "an empty username has zero entropy")
	assert.False(t, s.Features.HasUsername)
}
