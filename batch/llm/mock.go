package llm

import (
	"context"
	"sync"
)

// MockProvider is a test implementation of Provider that returns canned
// responses without making API calls.
//
// Configure the fields before use; they are read-only during Complete, which
// makes the mock safe for concurrent requests. Fail can override the canned
// response per call.
type MockProvider struct {
	// Text is the completion text returned by every call.
	Text string

	// InputTokens and OutputTokens are the usage figures reported per call.
	InputTokens  int64
	OutputTokens int64

	// Fail, when set, is consulted per call; a non-nil return becomes the
	// call's error.
	Fail func(req Request) error

	mu       sync.Mutex
	requests []Request
}

// Complete returns the canned response, recording the request.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Fail != nil {
		if err := m.Fail(req); err != nil {
			return Response{}, err
		}
	}

	return Response{
		Text:         m.Text,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
	}, nil
}

// Name returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}

// Requests returns a copy of every request seen so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
