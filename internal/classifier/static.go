package classifier

import (
	"context"
	"sync"
)

// Static returns a fixed analysis or error. It backs the simulator and
// tests. Safe for concurrent use.
type Static struct {
	mu       sync.Mutex
	analysis *Analysis
	err      error
	calls    []Request
}

// NewStatic creates a classifier that always answers with a copy of a.
func NewStatic(a *Analysis) *Static {
	return &Static{analysis: a}
}

// Set replaces the canned answer.
func (s *Static) Set(a *Analysis, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = a
	s.err = err
}

// Classify records the request and returns the canned answer.
func (s *Static) Classify(ctx context.Context, req Request) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := ctx.Err(); err != nil {
		return nil, ErrClassifierUnavailable
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.analysis == nil {
		return nil, ErrUnparseableResponse
	}
	cp := *s.analysis
	return &cp, nil
}

// Calls returns the number of Classify invocations.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// LastRequest returns the most recent request, if any.
func (s *Static) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return Request{}, false
	}
	return s.calls[len(s.calls)-1], true
}
