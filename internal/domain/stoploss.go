package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StopKind is the serialized discriminant of a StopType.
type StopKind string

const (
	StopFixed      StopKind = "fixed"
	StopPercentage StopKind = "percentage"
	StopTrailing   StopKind = "trailing"
	StopTimeBased  StopKind = "time_based"
	StopCompound   StopKind = "compound"
)

// StopEval is the input to a trigger check.
type StopEval struct {
	Price       decimal.Decimal
	EntryPrice  decimal.Decimal
	Now         time.Time
	ActivatedAt time.Time
	// Window holds recent observed prices, oldest first.
	Window []decimal.Decimal
}

// StopType is the closed set of stop-loss trigger variants. The unexported
// method keeps implementations inside this package.
type StopType interface {
	Kind() StopKind
	// Triggered evaluates the stop against e.
	Triggered(e StopEval) bool
	// TriggerLevel returns the price at or below which the stop fires, and
	// false when the stop is not price-based.
	TriggerLevel(entry decimal.Decimal) (decimal.Decimal, bool)
	Validate() error
	clone() StopType
}

// FixedStop fires when the price falls to TriggerPrice or below.
type FixedStop struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

func (s *FixedStop) Kind() StopKind { return StopFixed }

func (s *FixedStop) Triggered(e StopEval) bool {
	return e.Price.LessThanOrEqual(s.TriggerPrice)
}

func (s *FixedStop) TriggerLevel(decimal.Decimal) (decimal.Decimal, bool) {
	return s.TriggerPrice, true
}

func (s *FixedStop) Validate() error {
	if !s.TriggerPrice.IsPositive() {
		return fmt.Errorf("fixed stop: trigger_price must be > 0")
	}
	return nil
}

func (s *FixedStop) clone() StopType {
	c := *s
	return &c
}

// PercentageStop fires when (entry - price) / entry reaches LossPct.
type PercentageStop struct {
	LossPct decimal.Decimal `json:"loss_pct"`
}

func (s *PercentageStop) Kind() StopKind { return StopPercentage }

func (s *PercentageStop) Triggered(e StopEval) bool {
	return lossFraction(e.EntryPrice, e.Price).GreaterThanOrEqual(s.LossPct) && e.EntryPrice.IsPositive()
}

func (s *PercentageStop) TriggerLevel(entry decimal.Decimal) (decimal.Decimal, bool) {
	return entry.Mul(decimal.NewFromInt(1).Sub(s.LossPct)), true
}

func (s *PercentageStop) Validate() error {
	return validateFraction("percentage stop: loss_pct", s.LossPct)
}

func (s *PercentageStop) clone() StopType {
	c := *s
	return &c
}

// TrailingStop follows the highest observed price and fires once the price
// drops OffsetPct below that peak. PeakPrice never decreases.
type TrailingStop struct {
	OffsetPct decimal.Decimal `json:"offset_pct"`
	PeakPrice decimal.Decimal `json:"peak_price"`
}

func (s *TrailingStop) Kind() StopKind { return StopTrailing }

// UpdatePeak raises PeakPrice to price if higher and reports whether it moved.
func (s *TrailingStop) UpdatePeak(price decimal.Decimal) bool {
	if price.GreaterThan(s.PeakPrice) {
		s.PeakPrice = price
		return true
	}
	return false
}

func (s *TrailingStop) Triggered(e StopEval) bool {
	if !s.PeakPrice.IsPositive() {
		return false
	}
	trigger, _ := s.TriggerLevel(e.EntryPrice)
	return e.Price.LessThanOrEqual(trigger)
}

func (s *TrailingStop) TriggerLevel(decimal.Decimal) (decimal.Decimal, bool) {
	return s.PeakPrice.Mul(decimal.NewFromInt(1).Sub(s.OffsetPct)), true
}

func (s *TrailingStop) Validate() error {
	if s.PeakPrice.IsNegative() {
		return fmt.Errorf("trailing stop: peak_price must be >= 0")
	}
	return validateFraction("trailing stop: offset_pct", s.OffsetPct)
}

func (s *TrailingStop) clone() StopType {
	c := *s
	return &c
}

// TimeStop fires at Deadline regardless of price.
type TimeStop struct {
	Deadline time.Time `json:"deadline"`
}

func (s *TimeStop) Kind() StopKind { return StopTimeBased }

func (s *TimeStop) Triggered(e StopEval) bool {
	return !e.Now.Before(s.Deadline)
}

func (s *TimeStop) TriggerLevel(decimal.Decimal) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func (s *TimeStop) Validate() error {
	if s.Deadline.IsZero() {
		return fmt.Errorf("time stop: deadline must be set")
	}
	return nil
}

func (s *TimeStop) clone() StopType {
	c := *s
	return &c
}

// Logic combines compound conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// CompoundStop fires when its conditions hold under Logic.
type CompoundStop struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

func (s *CompoundStop) Kind() StopKind { return StopCompound }

func (s *CompoundStop) Triggered(e StopEval) bool {
	if len(s.Conditions) == 0 {
		return false
	}
	switch s.Logic {
	case LogicAnd:
		for _, c := range s.Conditions {
			if !c.Holds(e) {
				return false
			}
		}
		return true
	case LogicOr:
		for _, c := range s.Conditions {
			if c.Holds(e) {
				return true
			}
		}
	}
	return false
}

// TriggerLevel reports the highest price-below threshold, if any.
func (s *CompoundStop) TriggerLevel(decimal.Decimal) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, c := range s.Conditions {
		if pb, ok := c.(*PriceBelow); ok {
			if !found || pb.Price.GreaterThan(best) {
				best = pb.Price
				found = true
			}
		}
	}
	return best, found
}

func (s *CompoundStop) Validate() error {
	if s.Logic != LogicAnd && s.Logic != LogicOr {
		return fmt.Errorf("compound stop: unknown logic %q", s.Logic)
	}
	if len(s.Conditions) < 2 {
		return fmt.Errorf("compound stop: need at least 2 conditions, got %d", len(s.Conditions))
	}
	for i, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("compound stop: condition %d: %w", i, err)
		}
	}
	return nil
}

func (s *CompoundStop) clone() StopType {
	c := CompoundStop{Logic: s.Logic, Conditions: make([]Condition, len(s.Conditions))}
	copy(c.Conditions, s.Conditions)
	return &c
}

// MarshalJSON writes conditions in their tagged envelope form.
func (s *CompoundStop) MarshalJSON() ([]byte, error) {
	conds := make([]envelope, 0, len(s.Conditions))
	for _, c := range s.Conditions {
		env, err := newEnvelope(string(c.Kind()), c)
		if err != nil {
			return nil, err
		}
		conds = append(conds, env)
	}
	return json.Marshal(struct {
		Logic      Logic      `json:"logic"`
		Conditions []envelope `json:"conditions"`
	}{s.Logic, conds})
}

// UnmarshalJSON reads tagged condition envelopes.
func (s *CompoundStop) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logic      Logic      `json:"logic"`
		Conditions []envelope `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Logic = raw.Logic
	s.Conditions = make([]Condition, 0, len(raw.Conditions))
	for _, env := range raw.Conditions {
		c, err := decodeCondition(env)
		if err != nil {
			return err
		}
		s.Conditions = append(s.Conditions, c)
	}
	return nil
}

// ConditionKind is the serialized discriminant of a Condition.
type ConditionKind string

const (
	CondPriceBelow        ConditionKind = "price_below"
	CondLossExceeds       ConditionKind = "loss_exceeds"
	CondVolatilityExceeds ConditionKind = "volatility_exceeds"
	CondTimeElapsed       ConditionKind = "time_elapsed"
)

// Condition is a primitive predicate inside a CompoundStop.
type Condition interface {
	Kind() ConditionKind
	Holds(e StopEval) bool
	Validate() error
	condition()
}

// PriceBelow holds when the price is at or below Price.
type PriceBelow struct {
	Price decimal.Decimal `json:"price"`
}

func (c *PriceBelow) Kind() ConditionKind { return CondPriceBelow }
func (c *PriceBelow) Holds(e StopEval) bool { return e.Price.LessThanOrEqual(c.Price) }
func (c *PriceBelow) condition() {}
func (c *PriceBelow) Validate() error {
	if !c.Price.IsPositive() {
		return fmt.Errorf("price_below: price must be > 0")
	}
	return nil
}

// LossExceeds holds when the loss fraction from entry reaches Pct.
type LossExceeds struct {
	Pct decimal.Decimal `json:"pct"`
}

func (c *LossExceeds) Kind() ConditionKind { return CondLossExceeds }
func (c *LossExceeds) Holds(e StopEval) bool {
	return e.EntryPrice.IsPositive() && lossFraction(e.EntryPrice, e.Price).GreaterThanOrEqual(c.Pct)
}
func (c *LossExceeds) condition()      {}
func (c *LossExceeds) Validate() error { return validateFraction("loss_exceeds: pct", c.Pct) }

// VolatilityExceeds holds when the observed price range, (max - min) / min
// over the rule's recent window, reaches Pct.
type VolatilityExceeds struct {
	Pct decimal.Decimal `json:"pct"`
}

func (c *VolatilityExceeds) Kind() ConditionKind { return CondVolatilityExceeds }
func (c *VolatilityExceeds) Holds(e StopEval) bool {
	vol, ok := RangeVolatility(e.Window)
	return ok && vol.GreaterThanOrEqual(c.Pct)
}
func (c *VolatilityExceeds) condition() {}
func (c *VolatilityExceeds) Validate() error {
	if !c.Pct.IsPositive() {
		return fmt.Errorf("volatility_exceeds: pct must be > 0")
	}
	return nil
}

// TimeElapsed holds once After has passed since the rule was activated.
type TimeElapsed struct {
	After time.Duration `json:"after"`
}

func (c *TimeElapsed) Kind() ConditionKind { return CondTimeElapsed }
func (c *TimeElapsed) Holds(e StopEval) bool {
	return !e.ActivatedAt.IsZero() && e.Now.Sub(e.ActivatedAt) >= c.After
}
func (c *TimeElapsed) condition() {}
func (c *TimeElapsed) Validate() error {
	if c.After <= 0 {
		return fmt.Errorf("time_elapsed: after must be > 0")
	}
	return nil
}

// RangeVolatility returns (max - min) / min over prices. It needs at least
// two samples and a positive minimum.
func RangeVolatility(prices []decimal.Decimal) (decimal.Decimal, bool) {
	if len(prices) < 2 {
		return decimal.Zero, false
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		lo = decimal.Min(lo, p)
		hi = decimal.Max(hi, p)
	}
	if !lo.IsPositive() {
		return decimal.Zero, false
	}
	return hi.Sub(lo).Div(lo), true
}

func lossFraction(entry, price decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return entry.Sub(price).Div(entry)
}

func validateFraction(name string, v decimal.Decimal) error {
	if !v.IsPositive() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in (0, 1), got %s", name, v)
	}
	return nil
}

// envelope is the {"type", "params"} wire form shared by stops and conditions.
type envelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func newEnvelope(kind string, v any) (envelope, error) {
	params, err := json.Marshal(v)
	if err != nil {
		return envelope{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return envelope{Type: kind, Params: params}, nil
}

// MarshalStop encodes a StopType with its discriminant.
func MarshalStop(s StopType) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("marshal stop: nil stop type")
	}
	env, err := newEnvelope(string(s.Kind()), s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalStop decodes the output of MarshalStop.
func UnmarshalStop(data []byte) (StopType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal stop: %w", err)
	}
	return decodeStop(env)
}

func decodeStop(env envelope) (StopType, error) {
	var s StopType
	switch StopKind(env.Type) {
	case StopFixed:
		s = &FixedStop{}
	case StopPercentage:
		s = &PercentageStop{}
	case StopTrailing:
		s = &TrailingStop{}
	case StopTimeBased:
		s = &TimeStop{}
	case StopCompound:
		s = &CompoundStop{}
	default:
		return nil, fmt.Errorf("unmarshal stop: unknown type %q", env.Type)
	}
	if err := json.Unmarshal(env.Params, s); err != nil {
		return nil, fmt.Errorf("unmarshal %s stop: %w", env.Type, err)
	}
	return s, nil
}

func decodeCondition(env envelope) (Condition, error) {
	var c Condition
	switch ConditionKind(env.Type) {
	case CondPriceBelow:
		c = &PriceBelow{}
	case CondLossExceeds:
		c = &LossExceeds{}
	case CondVolatilityExceeds:
		c = &VolatilityExceeds{}
	case CondTimeElapsed:
		c = &TimeElapsed{}
	default:
		return nil, fmt.Errorf("unmarshal condition: unknown type %q", env.Type)
	}
	if err := json.Unmarshal(env.Params, c); err != nil {
		return nil, fmt.Errorf("unmarshal %s condition: %w", env.Type, err)
	}
	return c, nil
}
