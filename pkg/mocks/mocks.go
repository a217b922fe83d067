// Package mocks provides mock implementations and a fake upstream tracker for
// testing.
package mocks

import (
	"context"
	"encoding/json"
	"sync"
)

// =============================================================================
// Mock Fetcher
// =============================================================================

// MockFetcher is a mock implementation of paginate.Fetcher. It is safe for
// concurrent use.
type MockFetcher struct {
	// FetchFn is called when Fetch is invoked
	FetchFn func(ctx context.Context, endpoint string) (json.RawMessage, error)

	// Pages maps an endpoint onto a canned payload when FetchFn is nil
	Pages map[string]string

	mu         sync.Mutex
	FetchCalls []string
}

// Fetch records the call and answers from FetchFn or Pages.
func (m *MockFetcher) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	m.mu.Lock()
	m.FetchCalls = append(m.FetchCalls, endpoint)
	m.mu.Unlock()

	if m.FetchFn != nil {
		return m.FetchFn(ctx, endpoint)
	}
	if body, ok := m.Pages[endpoint]; ok {
		return json.RawMessage(body), nil
	}
	return json.RawMessage(`[]`), nil
}

// Calls returns a copy of every endpoint fetched so far.
func (m *MockFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.FetchCalls...)
}

// CallCount returns how many times Fetch was invoked.
func (m *MockFetcher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.FetchCalls)
}
