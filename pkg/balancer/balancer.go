// Package balancer selects a pool instance for a task.
//
// The balancer is stateless with respect to instances: the pool hands it a
// snapshot of candidates and claims the chosen one under the instance lock.
package balancer

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/task"
)

// Strategy names a selection policy
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyPerformance Strategy = "performance"
	StrategyRandom      Strategy = "random"
)

// DefaultErrorThreshold is the error count above which the performance
// strategy stops preferring an instance.
const DefaultErrorThreshold = 5

// ParseStrategy converts a strategy name into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyPerformance, StrategyRandom:
		return st, nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fleeterr.Newf(fleeterr.CodeInvalidParam, "unknown balance strategy %q", s).
			WithSuggestion("use one of round_robin, least_loaded, performance, random")
	}
}

// Candidate is a point-in-time view of an instance
type Candidate struct {
	ID          task.InstanceID
	Seq         uint64 // registration order
	Available   bool
	Healthy     bool
	Completed   uint64
	Failed      uint64
	Running     int
	Errors      uint64
	AvgResponse time.Duration
	LastUsed    time.Time
}

// Eligible reports whether the candidate can take a task
func (c Candidate) Eligible() bool {
	return c.Available && c.Healthy
}

// Balancer picks instances according to its current strategy
type Balancer struct {
	mu             sync.Mutex
	strategy       Strategy
	cursor         uint64 // Seq of the last round-robin pick
	errorThreshold uint64
	rand           *rand.Rand
}

// Option configures the Balancer
type Option func(*Balancer)

// WithErrorThreshold sets the error floor of the performance strategy
func WithErrorThreshold(n uint64) Option {
	return func(b *Balancer) {
		b.errorThreshold = n
	}
}

// WithRand sets the random source used by the random strategy
func WithRand(r *rand.Rand) Option {
	return func(b *Balancer) {
		b.rand = r
	}
}

// New creates a balancer with the given strategy
func New(strategy Strategy, opts ...Option) (*Balancer, error) {
	st, err := ParseStrategy(string(strategy))
	if err != nil {
		return nil, err
	}

	b := &Balancer{
		strategy:       st,
		errorThreshold: DefaultErrorThreshold,
		rand:           rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Strategy returns the current strategy
func (b *Balancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// SetStrategy switches the strategy at runtime
func (b *Balancer) SetStrategy(s Strategy) error {
	st, err := ParseStrategy(string(s))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = st
	return nil
}

// Select picks one eligible candidate. Candidates whose IDs are in avoid
// are skipped unless nothing else is eligible. It returns PoolEmpty when no
// candidate is available and healthy.
func (b *Balancer) Select(candidates []Candidate, avoid ...task.InstanceID) (Candidate, error) {
	eligible := filter(candidates, avoid)
	if len(eligible) == 0 {
		return Candidate{}, fleeterr.New(fleeterr.CodePoolEmpty, "no available instance").
			WithContext("instances", len(candidates))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case StrategyLeastLoaded:
		return leastLoaded(eligible), nil
	case StrategyPerformance:
		return b.performance(eligible), nil
	case StrategyRandom:
		return eligible[b.rand.IntN(len(eligible))], nil
	default:
		return b.roundRobin(eligible), nil
	}
}

func filter(candidates []Candidate, avoid []task.InstanceID) []Candidate {
	eligible := make([]Candidate, 0, len(candidates))
	preferred := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Eligible() {
			continue
		}
		eligible = append(eligible, c)
		if !contains(avoid, c.ID) {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return eligible
}

func contains(ids []task.InstanceID, id task.InstanceID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// roundRobin picks the eligible candidate registered right after the last
// pick, wrapping around.
func (b *Balancer) roundRobin(eligible []Candidate) Candidate {
	var next, first *Candidate
	for i := range eligible {
		c := &eligible[i]
		if first == nil || c.Seq < first.Seq {
			first = c
		}
		if c.Seq > b.cursor && (next == nil || c.Seq < next.Seq) {
			next = c
		}
	}
	if next == nil {
		next = first
	}
	b.cursor = next.Seq
	return *next
}

// leastLoaded picks the fewest completed plus running tasks, then the lowest
// average response time, then the earliest registration.
func leastLoaded(eligible []Candidate) Candidate {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best
}

func lessLoaded(a, b Candidate) bool {
	la, lb := a.Completed+uint64(a.Running), b.Completed+uint64(b.Running)
	if la != lb {
		return la < lb
	}
	if a.AvgResponse != b.AvgResponse {
		return a.AvgResponse < b.AvgResponse
	}
	return a.Seq < b.Seq
}

// performance picks the best average response among candidates at or under
// the error threshold, falling back to all eligible candidates.
func (b *Balancer) performance(eligible []Candidate) Candidate {
	var best *Candidate
	for i := range eligible {
		c := &eligible[i]
		if c.Errors > b.errorThreshold {
			continue
		}
		if best == nil || faster(*c, *best) {
			best = c
		}
	}
	if best != nil {
		return *best
	}

	fallback := eligible[0]
	for _, c := range eligible[1:] {
		if faster(c, fallback) {
			fallback = c
		}
	}
	return fallback
}

func faster(a, b Candidate) bool {
	if a.AvgResponse != b.AvgResponse {
		return a.AvgResponse < b.AvgResponse
	}
	return a.Seq < b.Seq
}

// String implements fmt.Stringer
func (c Candidate) String() string {
	return fmt.Sprintf("instance-%d(avail=%t healthy=%t load=%d)", c.ID, c.Available, c.Healthy, c.Completed+uint64(c.Running))
}
