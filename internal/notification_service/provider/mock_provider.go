package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendCall is one recorded MockTransport.Send invocation.
type SendCall struct {
	Details   SendRequestDetails
	StartedAt time.Time
}

// Responder scripts MockTransport results. attempt counts calls for the same
// InternalMessageID, starting at 1.
type Responder func(details SendRequestDetails, attempt int) (*SendResponseDetails, error)

// MockTransport accepts everything unless a Responder says otherwise. It is
// used for local runs and tests.
type MockTransport struct {
	mu        sync.Mutex
	responder Responder
	calls     []SendCall
	perID     map[string]int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{perID: make(map[string]int)}
}

func (m *MockTransport) SetResponder(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
}

func (m *MockTransport) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	m.mu.Lock()
	m.calls = append(m.calls, SendCall{Details: details, StartedAt: time.Now()})
	m.perID[details.InternalMessageID]++
	attempt := m.perID[details.InternalMessageID]
	responder := m.responder
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	if responder != nil {
		return responder(details, attempt)
	}
	return &SendResponseDetails{ProviderMessageID: "mock-" + uuid.NewString(), ProviderStatus: "ACCEPTED_MOCK"}, nil
}

func (m *MockTransport) GetName() string { return "mock" }

// Calls returns a snapshot of every Send call so far.
func (m *MockTransport) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
