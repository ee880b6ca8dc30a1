package broker

import (
	"context"
	"sync"
)

// MockRouter is a scriptable OrderRouter used in tests and paper mode.
// It records every call so tests can assert on order flow.
type MockRouter struct {
	mu sync.Mutex

	Positions    []BrokerPosition
	PositionsErr error

	FillResults map[string]FillResult // keyed by securityID
	FillErr     error
	DefaultFill FillResult

	Quotes   map[string]float64 // keyed by securityID
	QuoteErr error

	ExitCalls     []ExitCall
	PositionCalls int
	QuoteCalls    []string
}

// ExitCall records one PlaceExitOrder invocation.
type ExitCall struct {
	Segment    Segment
	SecurityID string
	Qty        int
	Side       Side
}

// NewMockRouter returns a MockRouter that fills every order successfully.
func NewMockRouter() *MockRouter {
	return &MockRouter{
		FillResults: make(map[string]FillResult),
		Quotes:      make(map[string]float64),
		DefaultFill: FillResult{Success: true, OrderID: "mock-order"},
	}
}

func (m *MockRouter) ActivePositions(ctx context.Context) ([]BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionCalls++
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]BrokerPosition, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockRouter) PlaceExitOrder(ctx context.Context, segment Segment, securityID string, qty int, side Side) (FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExitCalls = append(m.ExitCalls, ExitCall{Segment: segment, SecurityID: securityID, Qty: qty, Side: side})
	if m.FillErr != nil {
		return FillResult{}, m.FillErr
	}
	if result, ok := m.FillResults[securityID]; ok {
		return result, nil
	}
	return m.DefaultFill, nil
}

func (m *MockRouter) Quote(ctx context.Context, segment Segment, securityID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls = append(m.QuoteCalls, securityID)
	if m.QuoteErr != nil {
		return 0, m.QuoteErr
	}
	return m.Quotes[securityID], nil
}

// ExitCallCount returns the number of exit orders placed.
func (m *MockRouter) ExitCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExitCalls)
}

var _ OrderRouter = (*MockRouter)(nil)
