package risk

import (
	"context"
	"fmt"

	"github.com/mbd888/refguard/internal/traces"
)

// ReviewFlaggedUser applies an administrator's decision to a user waiting
// for review. Approval unblocks the user and releases withheld rewards;
// rejection blocks the user permanently and revokes granted rewards.
// A decision is final: a second review of the same user is rejected.
func (e *Engine) ReviewFlaggedUser(ctx context.Context, userID int64, decision ReviewDecision, notes string) error {
	ctx, span := traces.StartSpan(ctx, "risk.ReviewFlaggedUser", traces.ReferredID(userID))
	defer span.End()

	if userID <= 0 {
		return ErrInvalidUserID
	}
	if !decision.Valid() {
		return ErrInvalidDecision
	}

	// the pending check and the status update must not interleave
	unlock, err := e.reviewLocks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	review, err := e.store.GetReview(ctx, userID)
	if err != nil {
		return err
	}
	if review.Status != ReviewPending {
		return ErrAlreadyReviewed
	}

	if err := e.store.UpdateUserReviewStatus(ctx, userID, decision, notes); err != nil {
		return fmt.Errorf("update review status: %w", err)
	}

	switch decision {
	case DecisionApproved:
		if err := e.store.UnblockUser(ctx, userID); err != nil {
			return fmt.Errorf("unblock user: %w", err)
		}
		if err := e.store.ProcessPendingRewards(ctx, userID); err != nil {
			return fmt.Errorf("process pending rewards: %w", err)
		}
	case DecisionRejected:
		if err := e.store.PermanentlyBlockUser(ctx, userID); err != nil {
			return fmt.Errorf("block user: %w", err)
		}
		if err := e.store.RemoveFraudulentRewards(ctx, userID); err != nil {
			return fmt.Errorf("remove rewards: %w", err)
		}
	}

	reviewsTotal.WithLabelValues(string(decision)).Inc()
	if e.events != nil {
		e.events.UserReviewed(userID, decision)
	}
	e.log(ctx).Info("flagged user reviewed", "user_id", userID, "decision", decision)
	return nil
}

// ListPendingReviews returns users waiting for review, oldest first.
func (e *Engine) ListPendingReviews(ctx context.Context, limit int) ([]*Review, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	return e.store.ListPendingReviews(ctx, limit)
}
