package domain

import (
	"context"
	"time"
)

// SignalType names a lifecycle event published on the signal bus.
type SignalType string

const (
	SignalPositionClosed SignalType = "position_closed"
	SignalExitFailed     SignalType = "exit_failed"
	SignalStopTriggered  SignalType = "stop_triggered"
	SignalExitRequeued   SignalType = "exit_requeued"
	SignalBreakerTripped SignalType = "circuit_breaker"
)

// Signal is a best-effort notification for downstream UI and alerting.
type Signal struct {
	ID         string            `json:"id"`
	SignalType SignalType        `json:"signal_type"`
	MarketID   string            `json:"market_id"`
	OutcomeID  string            `json:"outcome_id,omitempty"`
	Action     string            `json:"action"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SignalPublisher emits signals. Delivery is not guaranteed.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig Signal) error
}
