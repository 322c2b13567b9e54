package refgraph

import (
	"context"
	"maps"
	"sync"
)

// MemoryClient is an in-memory Client for tests. Reads return queued
// results in order; writes are recorded.
type MemoryClient struct {
	mu           sync.Mutex
	writeCalls   []ExecutedQuery
	readCalls    []ExecutedQuery
	readResults  []Result
	err          error
	connectivity error
}

// ExecutedQuery captures a statement and its parameters.
type ExecutedQuery struct {
	Query  string
	Params map[string]any
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// WithError makes every subsequent query fail with err.
func (m *MemoryClient) WithError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithConnectivityError makes VerifyConnectivity fail with err.
func (m *MemoryClient) WithConnectivityError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = err
	return m
}

// PushReadResult queues a result for the next ExecuteRead.
func (m *MemoryClient) PushReadResult(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readResults = append(m.readResults, res)
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return Result{}, m.err
	}
	m.writeCalls = append(m.writeCalls, ExecutedQuery{Query: cypher, Params: maps.Clone(params)})
	return Result{}, nil
}

func (m *MemoryClient) ExecuteRead(_ context.Context, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return Result{}, m.err
	}
	m.readCalls = append(m.readCalls, ExecutedQuery{Query: cypher, Params: maps.Clone(params)})

	if len(m.readResults) == 0 {
		return Result{}, nil
	}
	res := m.readResults[0]
	m.readResults = m.readResults[1:]
	return res, nil
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// WriteCalls returns a snapshot of executed writes.
func (m *MemoryClient) WriteCalls() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.writeCalls...)
}

// ReadCalls returns a snapshot of executed reads.
func (m *MemoryClient) ReadCalls() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.readCalls...)
}
