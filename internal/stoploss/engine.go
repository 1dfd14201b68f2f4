// Package stoploss runs the stop-loss check cycle: it prices every active
// rule, raises trailing peaks, evaluates triggers and closes triggered
// positions through the shared close path.
package stoploss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

// Config tunes the check cycle.
type Config struct {
	CheckInterval time.Duration
	// ConnectivityThreshold is the number of consecutive cycles in which
	// every order book fetch failed before the breaker is tripped. Zero
	// disables connectivity trips.
	ConnectivityThreshold int
}

// ConnectivityTripper is the slice of the circuit breaker the engine needs.
type ConnectivityTripper interface {
	TripConnectivity(err error)
}

// Trigger describes one executed stop.
type Trigger struct {
	RuleID       string
	PositionID   string
	MarketID     string
	TokenID      string
	Kind         domain.StopKind
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Outcome      domain.CloseOutcome
	At           time.Time
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithStore persists rules on activation, peak changes and execution.
func WithStore(s domain.StopLossRuleStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithBreaker enables connectivity trips.
func WithBreaker(b ConnectivityTripper) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithSignals publishes a stop_triggered signal for every executed rule.
func WithSignals(p domain.SignalPublisher) Option {
	return func(e *Engine) { e.signals = p }
}

// WithNotify delivers executed triggers to ch. Sends never block; a full
// channel drops the trigger.
func WithNotify(ch chan<- Trigger) Option {
	return func(e *Engine) { e.notify = ch }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the rule registry. The registry lock covers membership only;
// each rule guards its own trigger state.
type Engine struct {
	cfg     Config
	market  domain.MarketData
	closer  domain.PositionCloser
	store   domain.StopLossRuleStore
	breaker ConnectivityTripper
	signals domain.SignalPublisher
	notify  chan<- Trigger
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.RWMutex
	rules map[string]*domain.StopLossRule

	// failedCycles is guarded by cycleMu.
	failedCycles int
	cycleMu      sync.Mutex
}

// NewEngine creates an Engine with an empty registry.
func NewEngine(cfg Config, market domain.MarketData, closer domain.PositionCloser, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	e := &Engine{
		cfg:    cfg,
		market: market,
		closer: closer,
		now:    time.Now,
		logger: logger.With(slog.String("component", "stop_loss")),
		rules:  make(map[string]*domain.StopLossRule),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Load registers every active rule from the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("stoploss: load rules: %w", err)
	}
	e.mu.Lock()
	for _, r := range rules {
		e.rules[r.ID] = r
	}
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "stop loss rules loaded", slog.Int("count", len(rules)))
	return nil
}

// NewRule builds a rule for one leg of pos, activates it and registers it.
func (e *Engine) NewRule(ctx context.Context, pos domain.Position, leg int, stop domain.StopType) (*domain.StopLossRule, error) {
	if leg < 0 || leg >= len(pos.Legs) {
		return nil, fmt.Errorf("stoploss: position %s has no leg %d", pos.ID, leg)
	}
	l := pos.Legs[leg]
	rule, err := domain.NewStopLossRule(uuid.NewString(), pos.ID, pos.MarketID, l.TokenID, l.EntryPrice, pos.Quantity, stop)
	if err != nil {
		return nil, fmt.Errorf("stoploss: new rule: %w", err)
	}
	if err := e.AddRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// AddRule activates rule, persists it and adds it to the registry.
func (e *Engine) AddRule(ctx context.Context, rule *domain.StopLossRule) error {
	rule.Activate(e.now())
	if err := e.save(ctx, rule); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "stop loss rule added",
		slog.String("rule_id", rule.ID),
		slog.String("position_id", rule.PositionID),
		slog.String("kind", string(rule.Kind())),
	)
	return nil
}

// Rules returns the registered rules ordered by id.
func (e *Engine) Rules() []*domain.StopLossRule {
	e.mu.RLock()
	out := make([]*domain.StopLossRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RulesForPosition returns the registered rules watching positionID.
func (e *Engine) RulesForPosition(positionID string) []*domain.StopLossRule {
	var out []*domain.StopLossRule
	for _, r := range e.Rules() {
		if r.PositionID == positionID {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

// Evaluate runs one batch over all active rules. prices is keyed by token id.
// Every trailing peak is raised before any rule is evaluated. Rules with no
// price are skipped unless they are time based.
func (e *Engine) Evaluate(prices map[string]decimal.Decimal, now time.Time) []*domain.StopLossRule {
	triggered, _ := e.evaluate(prices, now)
	return triggered
}

func (e *Engine) evaluate(prices map[string]decimal.Decimal, now time.Time) (triggered, changed []*domain.StopLossRule) {
	rules := e.Rules()

	for _, r := range rules {
		if !r.Active() {
			continue
		}
		if px, ok := prices[r.TokenID]; ok && r.Observe(px) {
			changed = append(changed, r)
		}
	}

	for _, r := range rules {
		px, ok := prices[r.TokenID]
		if !ok {
			if r.Kind() != domain.StopTimeBased {
				continue
			}
			px = decimal.Zero
		}
		if r.IsTriggered(px, now) {
			triggered = append(triggered, r)
		}
	}
	return triggered, changed
}

// Execute closes the rule's position. The rule is marked executed when the
// position was closed by this call or was already closed. A position claimed
// by another close path may still be rolled back, so the rule stays active
// and fires again on the next cycle.
func (e *Engine) Execute(ctx context.Context, rule *domain.StopLossRule, price decimal.Decimal) error {
	log := e.logger.With(
		slog.String("rule_id", rule.ID),
		slog.String("position_id", rule.PositionID),
		slog.String("market_id", rule.MarketID),
	)
	kind := rule.Kind()
	metrics.StopTriggers.WithLabelValues(string(kind)).Inc()
	log.InfoContext(ctx, "stop loss triggered",
		slog.String("kind", string(kind)),
		slog.String("price", price.String()),
	)

	outcome, err := e.closer.ClosePosition(ctx, rule.PositionID, domain.ReasonStopLoss)
	if err != nil {
		return fmt.Errorf("stoploss: execute rule %s: %w", rule.ID, err)
	}
	switch outcome {
	case domain.CloseClosed, domain.CloseAlreadyClosed:
	case domain.CloseAlreadyClaimed:
		log.DebugContext(ctx, "position claimed by another close, rule stays active")
		return nil
	default:
		log.WarnContext(ctx, "stop loss close did not complete, rule stays active",
			slog.String("outcome", string(outcome)),
		)
		return nil
	}

	now := e.now()
	if !rule.MarkExecuted(now) {
		return nil
	}
	e.remove(rule.ID)
	if err := e.save(ctx, rule); err != nil {
		log.ErrorContext(ctx, "persist executed rule failed", slog.String("error", err.Error()))
	}

	trig := Trigger{
		RuleID:     rule.ID,
		PositionID: rule.PositionID,
		MarketID:   rule.MarketID,
		TokenID:    rule.TokenID,
		Kind:       kind,
		Price:      price,
		Outcome:    outcome,
		At:         now,
	}
	if lvl, ok := rule.CurrentTriggerPrice(); ok {
		trig.TriggerPrice = lvl
	}
	e.publish(ctx, trig)
	e.deliver(ctx, trig)
	return nil
}

func (e *Engine) publish(ctx context.Context, t Trigger) {
	if e.signals == nil {
		return
	}
	sig := domain.Signal{
		ID:         uuid.NewString(),
		SignalType: domain.SignalStopTriggered,
		MarketID:   t.MarketID,
		OutcomeID:  t.TokenID,
		Action:     "sell",
		Confidence: 1,
		Metadata: map[string]string{
			"rule_id":     t.RuleID,
			"position_id": t.PositionID,
			"kind":        string(t.Kind),
			"price":       t.Price.String(),
			"outcome":     string(t.Outcome),
		},
		CreatedAt: t.At,
	}
	if err := e.signals.PublishSignal(ctx, sig); err != nil {
		e.logger.WarnContext(ctx, "publish stop signal failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) deliver(ctx context.Context, t Trigger) {
	if e.notify == nil {
		return
	}
	select {
	case e.notify <- t:
	default:
		metrics.NotifyDropped.Inc()
		e.logger.WarnContext(ctx, "stop trigger notification dropped",
			slog.String("rule_id", t.RuleID),
			slog.String("position_id", t.PositionID),
		)
	}
}

func (e *Engine) save(ctx context.Context, rule *domain.StopLossRule) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Save(ctx, rule); err != nil {
		return fmt.Errorf("stoploss: save rule %s: %w", rule.ID, err)
	}
	return nil
}

// CheckOnce prices all watched tokens, evaluates the registry and executes
// triggered rules.
func (e *Engine) CheckOnce(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	prices, err := e.fetchPrices(ctx)
	e.trackConnectivity(ctx, err)

	triggered, changed := e.evaluate(prices, e.now())
	for _, r := range changed {
		if err := e.save(ctx, r); err != nil {
			e.logger.WarnContext(ctx, "persist trailing peak failed",
				slog.String("rule_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, r := range triggered {
		if err := e.Execute(ctx, r, prices[r.TokenID]); err != nil {
			e.logger.ErrorContext(ctx, "stop loss execution failed",
				slog.String("rule_id", r.ID),
				slog.String("position_id", r.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

var errAllBooksFailed = errors.New("stoploss: every order book fetch failed")

// fetchPrices returns best bids keyed by token id. The error is non-nil only
// when at least one fetch was attempted and none succeeded.
func (e *Engine) fetchPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	tokens := make(map[string]struct{})
	for _, r := range e.Rules() {
		if r.Active() && r.TokenID != "" {
			tokens[r.TokenID] = struct{}{}
		}
	}
	prices := make(map[string]decimal.Decimal, len(tokens))
	var lastErr error
	for tok := range tokens {
		book, err := e.market.GetOrderBook(ctx, tok)
		if err != nil {
			lastErr = err
			e.logger.DebugContext(ctx, "order book fetch failed",
				slog.String("token_id", tok),
				slog.String("error", err.Error()),
			)
			continue
		}
		prices[tok] = book.BestBid
	}
	if len(tokens) > 0 && len(prices) == 0 {
		return prices, fmt.Errorf("%w: %w", errAllBooksFailed, lastErr)
	}
	return prices, nil
}

func (e *Engine) trackConnectivity(ctx context.Context, err error) {
	if err == nil {
		e.failedCycles = 0
		return
	}
	e.failedCycles++
	e.logger.WarnContext(ctx, "market data unavailable",
		slog.Int("failed_cycles", e.failedCycles),
		slog.String("error", err.Error()),
	)
	if e.breaker == nil || e.cfg.ConnectivityThreshold <= 0 || e.failedCycles < e.cfg.ConnectivityThreshold {
		return
	}
	e.breaker.TripConnectivity(err)
	e.failedCycles = 0
}

// Run loads persisted rules and checks them every CheckInterval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.CheckOnce(ctx); err != nil {
				e.logger.ErrorContext(ctx, "stop loss cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
