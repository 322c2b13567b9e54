package risk

import (
	"context"
	"fmt"
)

const (
	minDistinctActionTypes = 3
	messageActionType      = "message"
)

// ActivityResult is the outcome of the activity check.
type ActivityResult struct {
	Valid        bool     `json:"valid"`
	Interactions int      `json:"interactions"`
	Flags        []string `json:"flags"`
}

// ActivityValidator requires referred users to have genuinely used the product.
type ActivityValidator struct {
	activity ActivityReader
}

// NewActivityValidator creates an activity validator.
func NewActivityValidator(activity ActivityReader) *ActivityValidator {
	return &ActivityValidator{activity: activity}
}

// Check marks the user invalid below MinUserActivity interactions. Missing
// engagement diversity only adds flags.
func (v *ActivityValidator) Check(ctx context.Context, userID int64) (*ActivityResult, error) {
	interactions, err := v.activity.GetUserInteractions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}

	res := &ActivityResult{Valid: true, Interactions: len(interactions)}
	if len(interactions) < MinUserActivity {
		res.Valid = false
		res.Flags = append(res.Flags, fmt.Sprintf("Insufficient activity (%d/%d interactions)", len(interactions), MinUserActivity))
	}

	types := make(map[string]struct{})
	for _, a := range interactions {
		types[a.Type] = struct{}{}
	}
	if len(types) < minDistinctActionTypes {
		res.Flags = append(res.Flags, fmt.Sprintf("Low engagement diversity (%d action types)", len(types)))
	}
	if _, ok := types[messageActionType]; !ok {
		res.Flags = append(res.Flags, "No message activity")
	}
	return res, nil
}
