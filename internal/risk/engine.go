package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/refguard/internal/circuitbreaker"
	"github.com/mbd888/refguard/internal/idgen"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/retry"
	"github.com/mbd888/refguard/internal/syncutil"
	"github.com/mbd888/refguard/internal/traces"
)

// Stage names, in the order their output is merged.
const (
	StageRateLimit = "rate_limit"
	StageBot       = "bot_detection"
	StageActivity  = "activity"
	StagePatterns  = "patterns"
	StageFeatures  = "features"
)

// Flags added when a stage fails open.
const (
	FlagRateCheckFailed     = "rate check failed"
	FlagBotCheckFailed      = "bot detection failed"
	FlagActivityCheckFailed = "activity check failed"
	FlagPatternCheckFailed  = "pattern analysis failed"
	FlagFeatureCheckFailed  = "feature scoring failed"
	FlagSelfReferral        = "Self-referral"
	FlagSystemError         = "system error"
)

const (
	DefaultCheckTimeout      = 2 * time.Second
	DefaultEvaluationTimeout = 10 * time.Second
	alertTimeout             = 3 * time.Second
)

// StageErrorKind classifies a stage-local failure.
type StageErrorKind string

const (
	KindQuery       StageErrorKind = "query"
	KindTimeout     StageErrorKind = "timeout"
	KindUnavailable StageErrorKind = "unavailable"
)

// StageError is a stage-local failure. The pipeline absorbs it by adding the
// stage's diagnostic flag and treating the stage as neutral.
type StageError struct {
	Stage string
	Kind  StageErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// contribution is what a successful stage adds to the result.
type contribution struct {
	score       int
	flags       []string
	blockReason string // non-empty invalidates the result
}

type stage struct {
	name        string
	failureFlag string
	run         func(ctx context.Context) (contribution, error)
}

type stageSlot struct {
	contrib contribution
	err     *StageError
}

type stageOutcome struct {
	contrib contribution
	err     error
	panic   error
}

// Engine evaluates referrals. It holds no per-referral state and is safe for
// concurrent use.
type Engine struct {
	store    Store
	logger   *slog.Logger
	alerts   AlertSink
	cache    ResultCache
	graph    ReferralLister
	breaker  *circuitbreaker.Breaker
	reporter ErrorReporter
	events   EventSink
	now      func() time.Time

	reviewLocks *syncutil.UserLocks

	checkTimeout      time.Duration
	evaluationTimeout time.Duration
	logRetry          retry.Policy
}

// NewEngine creates a referral risk engine backed by store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:             store,
		logger:            logger,
		now:               time.Now,
		checkTimeout:      DefaultCheckTimeout,
		evaluationTimeout: DefaultEvaluationTimeout,
		logRetry:          retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
		reviewLocks:       syncutil.NewUserLocks(),
	}
}

// WithAlerts sets the admin alert sink.
func (e *Engine) WithAlerts(a AlertSink) *Engine {
	e.alerts = a
	return e
}

// WithCache enables result caching.
func (e *Engine) WithCache(c ResultCache) *Engine {
	e.cache = c
	return e
}

// WithReferralGraph checks g for circular referrals before the store.
func (e *Engine) WithReferralGraph(g ReferralLister) *Engine {
	e.graph = g
	return e
}

// WithBreaker skips stages whose circuit is open.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	return e
}

// WithReporter sets where fail-closed errors are reported.
func (e *Engine) WithReporter(r ErrorReporter) *Engine {
	e.reporter = r
	return e
}

// WithEvents streams fraud log entries and review decisions to sink.
func (e *Engine) WithEvents(sink EventSink) *Engine {
	e.events = sink
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithTimeouts overrides the per-stage and whole-evaluation timeouts.
// Non-positive values keep the current setting.
func (e *Engine) WithTimeouts(check, evaluation time.Duration) *Engine {
	if check > 0 {
		e.checkTimeout = check
	}
	if evaluation > 0 {
		e.evaluationTimeout = evaluation
	}
	return e
}

// WithLogRetry overrides the retry policy for fraud log writes.
func (e *Engine) WithLogRetry(p retry.Policy) *Engine {
	e.logRetry = p
	return e
}

// ValidateReferral scores a referral and returns the verdict. It never
// returns nil: stage failures fail open, anything else fails closed.
func (e *Engine) ValidateReferral(ctx context.Context, referrerID, referredID int64, profile UserProfile) *ValidationResult {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.ValidateReferral",
		traces.ReferrerID(referrerID),
		traces.ReferredID(referredID),
	)
	defer span.End()

	if cached := e.cachedResult(ctx, referrerID, referredID); cached != nil {
		span.SetAttributes(attribute.Bool("risk.cached", true))
		return cached
	}

	result, err := e.evaluate(ctx, referrerID, referredID, profile)
	if err != nil {
		result = e.failClosed(ctx, result, referrerID, referredID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed closed")
	} else {
		e.cacheResult(ctx, referrerID, referredID, result)
		e.mirrorReferral(ctx, referrerID, referredID, result)
	}

	span.SetAttributes(traces.RiskScore(result.RiskScore), attribute.Bool("risk.valid", result.Valid))
	evaluationsTotal.WithLabelValues(decisionLabel(result)).Inc()
	riskScoreHistogram.Observe(float64(result.RiskScore))
	evaluationDuration.Observe(time.Since(start).Seconds())

	if !result.Valid {
		e.log(ctx).Info("referral blocked",
			"referrer_id", referrerID,
			"referred_id", referredID,
			"risk_score", result.RiskScore,
			"reason", result.BlockReason,
		)
	}
	return result
}

// evaluate runs the pipeline. A returned error means the evaluation must
// fail closed; the partial result is returned alongside it.
func (e *Engine) evaluate(ctx context.Context, referrerID, referredID int64, profile UserProfile) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.evaluationTimeout)
	defer cancel()

	result := newValidationResult(e.now())

	if referrerID == referredID {
		result.RiskScore += SelfReferralPenalty
		result.addFlags(FlagSelfReferral)
		result.block(ReasonSelfReferral)
	} else {
		stages := e.stages(referrerID, referredID, profile)
		slots, err := e.runStages(ctx, stages)
		if err != nil {
			return result, err
		}
		merge(result, stages, slots)
	}

	if result.RiskScore > ReviewThreshold {
		result.block(ReasonReviewThreshold)
	}

	if result.RiskScore > LogThreshold {
		if err := e.logFraud(ctx, referrerID, referredID, result); err != nil {
			return result, err
		}
		if result.RiskScore > AlertThreshold {
			e.sendAlert(ctx, referrerID, referredID, result)
		}
	}

	if result.RiskScore > ReviewThreshold {
		if err := e.store.FlagUserForReview(ctx, referredID, result.RiskScore, result.Flags, result.BlockReason); err != nil {
			return result, fmt.Errorf("flag user %d for review: %w", referredID, err)
		}
	}
	return result, nil
}

// stages builds the five checks for one referral. They share a memoized view
// of referral data and write only to their own slot.
func (e *Engine) stages(referrerID, referredID int64, profile UserProfile) []stage {
	referrals := newReferralSnapshot(e.store)

	rate := NewRateLimitChecker(referrals, e.now)
	bot := NewBotBehaviorDetector(e.store, referrals, e.store)
	activity := NewActivityValidator(e.store)
	patterns := NewPatternCrossReferencer(e.store)
	features := NewFeatureScorer(referrals, NewNetworkAnalyzer(referrals, e.graph, e.store), e.now)

	return []stage{
		{name: StageRateLimit, failureFlag: FlagRateCheckFailed, run: func(ctx context.Context) (contribution, error) {
			r, err := rate.Check(ctx, referrerID)
			if err != nil {
				return contribution{}, err
			}
			c := contribution{flags: r.Flags}
			if !r.Valid {
				c.score = RateLimitPenalty
				c.blockReason = ReasonRateLimit
			}
			return c, nil
		}},
		{name: StageBot, failureFlag: FlagBotCheckFailed, run: func(ctx context.Context) (contribution, error) {
			a, err := bot.Detect(ctx, referredID, profile)
			if err != nil {
				return contribution{}, err
			}
			if !a.IsBot {
				return contribution{}, nil
			}
			return contribution{score: BotPenalty, flags: a.Flags, blockReason: ReasonBot}, nil
		}},
		{name: StageActivity, failureFlag: FlagActivityCheckFailed, run: func(ctx context.Context) (contribution, error) {
			r, err := activity.Check(ctx, referredID)
			if err != nil {
				return contribution{}, err
			}
			if r.Valid {
				return contribution{}, nil
			}
			return contribution{score: LowActivityPenalty, flags: r.Flags}, nil
		}},
		{name: StagePatterns, failureFlag: FlagPatternCheckFailed, run: func(ctx context.Context) (contribution, error) {
			r, err := patterns.Analyze(ctx, referrerID, referredID, profile)
			if err != nil {
				return contribution{}, err
			}
			c := contribution{score: r.Score, flags: r.Flags}
			if r.Suspicious && r.Score > PatternBlockScore {
				c.blockReason = ReasonFraudPattern
			}
			return c, nil
		}},
		{name: StageFeatures, failureFlag: FlagFeatureCheckFailed, run: func(ctx context.Context) (contribution, error) {
			s, err := features.Score(ctx, referrerID, referredID, profile)
			if err != nil {
				return contribution{}, err
			}
			e.logger.Debug("referral features",
				"referrer_id", referrerID,
				"referred_id", referredID,
				"features", s.Features,
				"risk_factors", s.RiskFactors,
			)
			return contribution{score: s.Score, flags: s.Flags}, nil
		}},
	}
}

// runStages runs all stages concurrently. Only a stage panic or the
// evaluation deadline produce an error.
func (e *Engine) runStages(ctx context.Context, stages []stage) ([]stageSlot, error) {
	slots := make([]stageSlot, len(stages))
	g, gctx := errgroup.WithContext(ctx)
	for i := range stages {
		g.Go(func() error {
			return e.runStage(gctx, stages[i], &slots[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluation deadline: %w", err)
	}
	return slots, nil
}

func (e *Engine) runStage(parent context.Context, st stage, slot *stageSlot) error {
	if e.breaker != nil && !e.breaker.Allow(st.name) {
		slot.err = &StageError{Stage: st.name, Kind: KindUnavailable, Err: ErrStageUnavailable}
		stageFailuresTotal.WithLabelValues(st.name, string(KindUnavailable)).Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(parent, e.checkTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "risk.stage."+st.name, traces.Stage(st.name))
	defer span.End()

	start := time.Now()
	done := make(chan stageOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageOutcome{panic: fmt.Errorf("stage %s panicked: %v", st.name, r)}
			}
		}()
		c, err := st.run(ctx)
		done <- stageOutcome{contrib: c, err: err}
	}()

	var out stageOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = stageOutcome{err: ctx.Err()}
	}
	stageDuration.WithLabelValues(st.name).Observe(time.Since(start).Seconds())

	if out.panic != nil {
		span.RecordError(out.panic)
		span.SetStatus(codes.Error, "panic")
		return out.panic
	}
	if out.err != nil {
		kind := KindQuery
		if errors.Is(out.err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		slot.err = &StageError{Stage: st.name, Kind: kind, Err: out.err}
		if e.breaker != nil && countsAgainstStage(parent, out.err) {
			e.breaker.RecordFailure(st.name)
		}
		stageFailuresTotal.WithLabelValues(st.name, string(kind)).Inc()
		span.RecordError(out.err)
		e.log(ctx).Warn("risk stage failed open", "stage", st.name, "kind", kind, "error", out.err)
		return nil
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess(st.name)
	}
	slot.contrib = out.contrib
	return nil
}

// countsAgainstStage reports whether a stage error reflects the dependency
// behind the stage. Cancellation and the evaluation deadline come from the
// caller or a sibling stage and are not held against it.
func countsAgainstStage(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// merge folds stage slots into result in canonical order, so the flag order
// matches a sequential run regardless of completion order.
func merge(result *ValidationResult, stages []stage, slots []stageSlot) {
	for i, slot := range slots {
		if slot.err != nil {
			result.addFlags(stages[i].failureFlag)
			continue
		}
		result.RiskScore += slot.contrib.score
		result.addFlags(slot.contrib.flags...)
		if slot.contrib.blockReason != "" {
			result.block(slot.contrib.blockReason)
		}
	}
}

func (e *Engine) logFraud(ctx context.Context, referrerID, referredID int64, result *ValidationResult) error {
	status := StatusFlagged
	if !result.Valid {
		status = StatusBlocked
	}
	entry := &FraudLogEntry{
		ID:          idgen.WithPrefix("fl_"),
		Timestamp:   e.now(),
		ReferrerID:  referrerID,
		ReferredID:  referredID,
		RiskScore:   result.RiskScore,
		Flags:       append([]string(nil), result.Flags...),
		BlockReason: result.BlockReason,
		Status:      status,
	}
	err := retry.Do(ctx, e.logRetry, func() error {
		return e.store.LogFraudActivity(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("log fraud activity: %w", err)
	}
	if e.events != nil {
		e.events.FraudLogged(entry)
	}
	return nil
}

// sendAlert is best effort: delivery failures are logged and counted.
func (e *Engine) sendAlert(ctx context.Context, referrerID, referredID int64, result *ValidationResult) {
	if e.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	msg := fmt.Sprintf("High-risk referral: referrer %d -> user %d, score %d, valid=%t, flags: %s",
		referrerID, referredID, result.RiskScore, result.Valid, strings.Join(result.Flags, "; "))
	if err := e.alerts.SendAdminAlert(ctx, msg); err != nil {
		alertFailuresTotal.Inc()
		e.log(ctx).Warn("admin alert failed", "referrer_id", referrerID, "referred_id", referredID, "error", err)
	}
}

// failClosed overrides the verdict after a pipeline-level failure.
func (e *Engine) failClosed(ctx context.Context, result *ValidationResult, referrerID, referredID int64, err error) *ValidationResult {
	if result == nil {
		result = newValidationResult(e.now())
	}
	result.Valid = false
	result.BlockReason = ReasonSystemError
	result.addFlags(FlagSystemError)

	systemErrorsTotal.Inc()
	e.log(ctx).Error("referral evaluation failed closed",
		"referrer_id", referrerID,
		"referred_id", referredID,
		"error", err,
	)
	if e.reporter != nil {
		e.reporter.Report(ctx, err, map[string]string{
			"referrer_id": strconv.FormatInt(referrerID, 10),
			"referred_id": strconv.FormatInt(referredID, 10),
		})
	}
	return result
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, e.logger)
}

func (e *Engine) cachedResult(ctx context.Context, referrerID, referredID int64) *ValidationResult {
	if e.cache == nil {
		return nil
	}
	cached, err := e.cache.Get(ctx, referrerID, referredID)
	switch {
	case err == nil:
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return cached
	case errors.Is(err, ErrCacheMiss):
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		cacheLookupsTotal.WithLabelValues("error").Inc()
		e.log(ctx).Warn("validation cache read failed", "error", err)
	}
	return nil
}

func (e *Engine) cacheResult(ctx context.Context, referrerID, referredID int64, result *ValidationResult) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, referrerID, referredID, result); err != nil {
		e.log(ctx).Warn("validation cache write failed", "error", err)
	}
}

// mirrorReferral copies accepted referrals into the referral graph so later
// circular checks can see them.
func (e *Engine) mirrorReferral(ctx context.Context, referrerID, referredID int64, result *ValidationResult) {
	rec, ok := e.graph.(ReferralRecorder)
	if !ok || !result.Valid {
		return
	}
	edge := ReferralEdge{ReferrerID: referrerID, ReferredUserID: referredID, CreatedAt: result.EvaluatedAt}
	if err := rec.RecordReferral(ctx, edge); err != nil {
		e.log(ctx).Warn("referral graph mirror failed", "referrer_id", referrerID, "referred_id", referredID, "error", err)
	}
}
