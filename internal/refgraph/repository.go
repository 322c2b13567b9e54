package refgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/refguard/internal/risk"
)

const (
	ensureSchemaCypher = `CREATE CONSTRAINT refguard_user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`

	recordReferralCypher = `
MERGE (referrer:User {id: $referrerId})
MERGE (referred:User {id: $referredId})
MERGE (referrer)-[r:REFERRED]->(referred)
ON CREATE SET r.createdAt = $createdAt`

	listReferralsCypher = `
MATCH (:User {id: $userId})-[r:REFERRED]->(referred:User)
RETURN referred.id AS referredId, r.createdAt AS createdAt
ORDER BY r.createdAt DESC`
)

var errInvalidEdge = errors.New("referral edge needs positive referrer and referred ids")

// Repository reads and writes REFERRED edges between User nodes.
type Repository struct {
	client Client
}

var (
	_ risk.ReferralLister   = (*Repository)(nil)
	_ risk.ReferralRecorder = (*Repository)(nil)
)

// NewRepository creates a repository backed by client.
func NewRepository(client Client) *Repository {
	return &Repository{client: client}
}

// EnsureSchema creates the user id uniqueness constraint.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.client.ExecuteWrite(ctx, ensureSchemaCypher, nil); err != nil {
		return fmt.Errorf("ensure graph schema: %w", err)
	}
	return nil
}

// RecordReferral merges the edge. Re-recording keeps the original timestamp.
func (r *Repository) RecordReferral(ctx context.Context, edge risk.ReferralEdge) error {
	if edge.ReferrerID <= 0 || edge.ReferredUserID <= 0 {
		return errInvalidEdge
	}
	params := map[string]any{
		"referrerId": edge.ReferrerID,
		"referredId": edge.ReferredUserID,
		"createdAt":  formatTime(edge.CreatedAt),
	}
	if _, err := r.client.ExecuteWrite(ctx, recordReferralCypher, params); err != nil {
		return fmt.Errorf("record referral %d->%d: %w", edge.ReferrerID, edge.ReferredUserID, err)
	}
	return nil
}

// GetUserReferrals returns userID's outbound referrals, newest first.
func (r *Repository) GetUserReferrals(ctx context.Context, userID int64) ([]risk.ReferralEdge, error) {
	res, err := r.client.ExecuteRead(ctx, listReferralsCypher, map[string]any{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("list referrals for %d: %w", userID, err)
	}

	edges := make([]risk.ReferralEdge, 0, len(res.Records))
	for _, rec := range res.Records {
		referredID, ok := toInt64(rec["referredId"])
		if !ok {
			return nil, fmt.Errorf("list referrals for %d: unexpected referredId %T", userID, rec["referredId"])
		}
		edges = append(edges, risk.ReferralEdge{
			ReferrerID:     userID,
			ReferredUserID: referredID,
			CreatedAt:      parseTime(rec["createdAt"]),
		})
	}
	return edges, nil
}

// PingContext verifies connectivity for health checks.
func (r *Repository) PingContext(ctx context.Context) error {
	return r.client.VerifyConnectivity(ctx)
}

// Close releases the underlying client.
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
