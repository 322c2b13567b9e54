package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/refguard/internal/pagination"
)

const (
	statsWindow     = 7 * 24 * time.Hour
	commonFlagLimit = 10
)

// Risk distribution buckets.
const (
	BucketMedium   = "medium (51-70)"
	BucketHigh     = "high (71-80)"
	BucketCritical = "critical (81+)"
)

// GetFraudStatistics summarizes fraud logs. TotalBlocked is all-time;
// FlaggedToday counts flagged entries since UTC midnight; the distribution,
// common flags and detection rate cover the trailing seven days.
func (e *Engine) GetFraudStatistics(ctx context.Context) (*FraudStatistics, error) {
	now := e.now().UTC()

	totalBlocked, err := e.store.CountFraudLogs(ctx, StatusBlocked)
	if err != nil {
		return nil, fmt.Errorf("count blocked logs: %w", err)
	}
	entries, err := e.store.FraudLogsSince(ctx, now.Add(-statsWindow))
	if err != nil {
		return nil, fmt.Errorf("load fraud logs: %w", err)
	}

	stats := &FraudStatistics{
		TotalBlocked: totalBlocked,
		RiskDistribution: map[string]int{
			BucketMedium:   0,
			BucketHigh:     0,
			BucketCritical: 0,
		},
		CommonFlags: []FlagCount{},
		GeneratedAt: now,
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	flagCounts := make(map[string]int)
	blocked := 0
	for _, entry := range entries {
		if entry.Status == StatusBlocked {
			blocked++
		}
		if entry.Status == StatusFlagged && !entry.Timestamp.Before(midnight) {
			stats.FlaggedToday++
		}
		if bucket := riskBucket(entry.RiskScore); bucket != "" {
			stats.RiskDistribution[bucket]++
		}
		for _, f := range entry.Flags {
			flagCounts[f]++
		}
	}

	for flag, n := range flagCounts {
		stats.CommonFlags = append(stats.CommonFlags, FlagCount{Flag: flag, Count: n})
	}
	sort.Slice(stats.CommonFlags, func(i, j int) bool {
		if stats.CommonFlags[i].Count != stats.CommonFlags[j].Count {
			return stats.CommonFlags[i].Count > stats.CommonFlags[j].Count
		}
		return stats.CommonFlags[i].Flag < stats.CommonFlags[j].Flag
	})
	if len(stats.CommonFlags) > commonFlagLimit {
		stats.CommonFlags = stats.CommonFlags[:commonFlagLimit]
	}

	if len(entries) > 0 {
		stats.DetectionRate = float64(blocked) / float64(len(entries))
	}
	return stats, nil
}

func riskBucket(score int) string {
	switch {
	case score > ReviewThreshold:
		return BucketCritical
	case score > AlertThreshold:
		return BucketHigh
	case score > LogThreshold:
		return BucketMedium
	default:
		return ""
	}
}

// FraudLogPage is one page of the fraud log feed.
type FraudLogPage struct {
	Logs       []*FraudLogEntry `json:"logs"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ListFraudLogs pages through fraud logs, newest first. Pass the previous
// page's NextCursor to continue; an empty cursor starts at the newest entry.
func (e *Engine) ListFraudLogs(ctx context.Context, cursor string, limit int) (*FraudLogPage, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}

	logs, err := e.store.ListFraudLogs(ctx, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list fraud logs: %w", err)
	}
	logs, next := pagination.Page(logs, limit, func(l *FraudLogEntry) (time.Time, string) {
		return l.Timestamp, l.ID
	})
	if logs == nil {
		logs = []*FraudLogEntry{}
	}
	return &FraudLogPage{Logs: logs, NextCursor: next}, nil
}
