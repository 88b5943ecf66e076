package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
	"github.com/theraptrack/golang_services/internal/notification_service/provider"
	"github.com/theraptrack/golang_services/internal/notification_service/recipient"
	"github.com/theraptrack/golang_services/internal/notification_service/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNormalizer(t *testing.T) *recipient.Normalizer {
	t.Helper()
	n, err := recipient.NewNormalizer("+91")
	require.NoError(t, err)
	return n
}

type harness struct {
	engine     *Engine
	dispatcher *Dispatcher
	transport  *provider.MockTransport
	log        *memory.DeliveryLog
	events     *capturingPublisher
}

// newHarness builds an enabled engine on a mock transport and an in-memory
// delivery log. The dispatch loop only runs after start.
func newHarness(t *testing.T, cfg DispatcherConfig) *harness {
	t.Helper()
	if cfg.Sender == "" {
		cfg.Sender = "+14155550100"
	}
	q := NewQueue()
	tr := provider.NewMockTransport()
	dl := memory.NewDeliveryLog()
	events := &capturingPublisher{}
	d := NewDispatcher(q, tr, dl, events, cfg, testLogger())
	e := NewEngine(EngineConfig{Enabled: true, Sandbox: cfg.Sandbox, TransportName: tr.GetName()}, q, d, testNormalizer(t), testLogger())
	return &harness{engine: e, dispatcher: d, transport: tr, log: dl, events: events}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
}

func (h *harness) enqueue(t *testing.T, body string) string {
	t.Helper()
	id, err := h.engine.Enqueue(context.Background(), domain.NotificationRequest{
		Kind:      domain.KindCustom,
		Recipient: "9876543210",
		Body:      body,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitForCalls(t *testing.T, n int) []provider.SendCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.transport.Calls()) >= n }, 5*time.Second, 2*time.Millisecond)
	return h.transport.Calls()
}

func (h *harness) waitForStatus(t *testing.T, id string, status domain.DeliveryStatus) *domain.DeliveryRecord {
	t.Helper()
	var rec *domain.DeliveryRecord
	require.Eventually(t, func() bool {
		r, err := h.log.Get(context.Background(), id)
		if err != nil || r.Status != status {
			return false
		}
		rec = r
		return true
	}, 5*time.Second, 2*time.Millisecond)
	return rec
}

func bodies(calls []provider.SendCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Details.Content
	}
	return out
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (p *capturingPublisher) PublishDeliveryEvent(_ context.Context, e domain.DeliveryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturingPublisher) Events() []domain.DeliveryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DeliveryEvent, len(p.events))
	copy(out, p.events)
	return out
}

type mockDeliveryLog struct {
	mock.Mock
}

func (m *mockDeliveryLog) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockDeliveryLog) Finalize(ctx context.Context, fin domain.Finalization) error {
	args := m.Called(ctx, fin)
	return args.Error(0)
}

func (m *mockDeliveryLog) ApplyProviderStatus(ctx context.Context, u domain.ProviderStatusUpdate) (bool, error) {
	args := m.Called(ctx, u)
	return args.Bool(0), args.Error(1)
}

func (m *mockDeliveryLog) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeliveryRecord), args.Error(1)
}

// failWith returns a responder failing attempts listed in failing with the
// given status code and succeeding otherwise.
func failWith(statusCode int, detail string, failing func(details provider.SendRequestDetails, attempt int) bool) provider.Responder {
	return func(details provider.SendRequestDetails, attempt int) (*provider.SendResponseDetails, error) {
		if failing(details, attempt) {
			return nil, &provider.TransportError{StatusCode: statusCode, RawDetail: detail}
		}
		return &provider.SendResponseDetails{ProviderMessageID: "pm-" + details.InternalMessageID}, nil
	}
}
