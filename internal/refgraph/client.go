// Package refgraph mirrors accepted referrals into a graph database, giving
// the risk engine a fast path for circular-referral lookups.
package refgraph

import (
	"context"
	"errors"
)

// Client is the minimal contract the repository needs from a graph database.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result is a simplified query response.
type Result struct {
	Records []Record
}

// Record groups key-value pairs returned by a query.
type Record map[string]any

// Options configures a graph client.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")
