package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. GenerateFn, when set, handles
// every call; otherwise replies are consumed from Script in order, with the
// last reply repeating.
type MockClient struct {
	mu sync.Mutex

	Endpoint     string
	GenerateFn   func(ctx context.Context, req Request) (*Response, error)
	Script       []MockReply
	AvailableErr error

	calls []Request
	index int
}

// MockReply is one scripted response or failure.
type MockReply struct {
	Text string
	Err  error
}

func (m *MockClient) Name() string {
	if m.Endpoint == "" {
		return "mock"
	}
	return m.Endpoint
}

func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.GenerateFn
	var reply MockReply
	if fn == nil {
		if len(m.Script) == 0 {
			reply = MockReply{Text: "ok"}
		} else {
			reply = m.Script[m.index]
			if m.index < len(m.Script)-1 {
				m.index++
			}
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if req.Stream && req.OnDelta != nil {
		req.OnDelta(reply.Text)
	}
	return &Response{Text: reply.Text, Model: "mock"}, nil
}

func (m *MockClient) Available(ctx context.Context) error {
	return m.AvailableErr
}

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
