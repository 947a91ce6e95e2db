package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SimulatedConfig struct {
	Latency            time.Duration `yaml:"latency"`
	SuccessProbability float64       `yaml:"success_probability"`
	Seed               int64         `yaml:"seed"`
}

// Simulated stands in for a processor. Unscripted calls succeed with the
// configured probability and fail transiently otherwise.
type Simulated struct {
	cfg SimulatedConfig

	mu      sync.Mutex
	rng     *rand.Rand
	script  []Outcome
	charges map[string]Result
	refunds map[string]Result
	calls   map[string]int
	moved   map[string]int64
	origins map[string]string
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		charges: map[string]Result{},
		refunds: map[string]Result{},
		calls:   map[string]int{},
		moved:   map[string]int64{},
		origins: map[string]string{},
	}
}

// Script queues outcomes for the next calls that reach the processor.
// Replayed results do not consume the script.
func (s *Simulated) Script(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// Calls counts requests made with key, replays included.
func (s *Simulated) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// RefundedCharge is the charge reference a refund under key pointed at.
func (s *Simulated) RefundedCharge(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origins[key]
}

// Moved is the amount actually transferred under key.
func (s *Simulated) Moved(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moved[key]
}

func (s *Simulated) Charge(ctx context.Context, amount int64, idempotencyKey string) Result {
	return s.execute(ctx, s.charges, "ch_", amount, idempotencyKey)
}

func (s *Simulated) Refund(ctx context.Context, amount int64, originalReference, idempotencyKey string) Result {
	if originalReference == "" {
		return declined("missing original charge reference")
	}
	s.mu.Lock()
	s.origins[idempotencyKey] = originalReference
	s.mu.Unlock()
	return s.execute(ctx, s.refunds, "re_", amount, idempotencyKey)
}

func (s *Simulated) ValidateMethod(_ context.Context, method PaymentMethod) bool {
	if method.Token == "" {
		return false
	}
	return method.Type == "card" || method.Type == "bank"
}

func (s *Simulated) execute(ctx context.Context, seen map[string]Result, prefix string, amount int64, key string) Result {
	s.mu.Lock()
	s.calls[key]++
	if r, ok := seen[key]; ok {
		s.mu.Unlock()
		return r
	}
	s.mu.Unlock()

	if amount <= 0 {
		return declined("amount must be positive")
	}
	if key == "" {
		return declined("missing idempotency key")
	}

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transient("timeout: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a concurrent call with the same key may have finished meanwhile
	if r, ok := seen[key]; ok {
		return r
	}

	outcome := s.next()
	var r Result
	switch outcome {
	case Success:
		r = Result{Outcome: Success, Reference: prefix + uuid.NewString()}
		s.moved[key] += amount
	case Declined:
		r = declined("declined by processor")
	default:
		return transient("processor unavailable")
	}
	seen[key] = r
	return r
}

func (s *Simulated) next() Outcome {
	if len(s.script) > 0 {
		o := s.script[0]
		s.script = s.script[1:]
		return o
	}
	if s.rng.Float64() < s.cfg.SuccessProbability {
		return Success
	}
	return TransientFailure
}
