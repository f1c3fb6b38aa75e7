package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goodtune/kfocus/internal/policy/opa"
)

// ErrUnknownRuleset is returned when a named static ruleset does not exist.
var ErrUnknownRuleset = errors.New("unknown static ruleset")

// Surface is the external rule-evaluation surface. The Syncer is its only
// writer.
type Surface interface {
	SetStaticRulesetEnabled(ctx context.Context, id string, enabled bool) error
	DynamicRules(ctx context.Context) ([]Rule, error)
	UpdateDynamicRules(ctx context.Context, add []Rule, removeIDs []int) error
	SetIndicator(ctx context.Context, on bool) error
}

// Evaluator answers policy queries. *opa.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, input map[string]interface{}) (*opa.Decision, error)
}

// Request is one request checked against the surface
type Request struct {
	Host         string
	Path         string
	ResourceType ResourceType
}

type staticRuleset struct {
	rules   []Rule
	enabled bool
}

// MemorySurface is an in-process Surface. Consumers such as the DNS
// sinkhole query it through Evaluate.
type MemorySurface struct {
	evaluator Evaluator

	mu        sync.RWMutex
	static    map[string]*staticRuleset
	dynamic   map[int]Rule
	indicator bool
}

// NewMemorySurface creates an empty surface evaluated by evaluator
func NewMemorySurface(evaluator Evaluator) *MemorySurface {
	return &MemorySurface{
		evaluator: evaluator,
		static:    make(map[string]*staticRuleset),
		dynamic:   make(map[int]Rule),
	}
}

// AddStaticRuleset installs a named static ruleset, disabled.
func (s *MemorySurface) AddStaticRuleset(id string, rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static[id] = &staticRuleset{rules: rules}
}

// SetStaticRulesetEnabled enables or disables a named static ruleset
func (s *MemorySurface) SetStaticRulesetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.static[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRuleset, id)
	}
	rs.enabled = enabled
	return nil
}

// StaticRulesetEnabled reports whether the named ruleset is enabled.
func (s *MemorySurface) StaticRulesetEnabled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.static[id]
	return ok && rs.enabled
}

// DynamicRules returns the dynamic rules ordered by id
func (s *MemorySurface) DynamicRules(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dynamicLocked(), nil
}

func (s *MemorySurface) dynamicLocked() []Rule {
	rules := make([]Rule, 0, len(s.dynamic))
	for _, r := range s.dynamic {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// UpdateDynamicRules removes then adds rules as one atomic change. Adding
// an id that is still present after the removals fails the whole update.
func (s *MemorySurface) UpdateDynamicRules(_ context.Context, add []Rule, removeIDs []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removing := make(map[int]bool, len(removeIDs))
	for _, id := range removeIDs {
		removing[id] = true
	}
	seen := make(map[int]bool, len(add))
	for _, r := range add {
		if _, exists := s.dynamic[r.ID]; (exists && !removing[r.ID]) || seen[r.ID] {
			return fmt.Errorf("duplicate dynamic rule id %d", r.ID)
		}
		seen[r.ID] = true
	}

	for id := range removing {
		delete(s.dynamic, id)
	}
	for _, r := range add {
		s.dynamic[r.ID] = r
	}
	return nil
}

// SetIndicator sets the enforcement indicator
func (s *MemorySurface) SetIndicator(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indicator = on
	return nil
}

// Indicator reports the enforcement indicator.
func (s *MemorySurface) Indicator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indicator
}

// ActiveRules returns the rules currently in force: enabled static rulesets
// followed by the dynamic rules.
func (s *MemorySurface) ActiveRules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.static))
	for id := range s.static {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rules []Rule
	for _, id := range ids {
		if rs := s.static[id]; rs.enabled {
			rules = append(rules, rs.rules...)
		}
	}
	return append(rules, s.dynamicLocked()...)
}

// Evaluate decides whether req is blocked by the rules in force.
func (s *MemorySurface) Evaluate(ctx context.Context, req Request) (*opa.Decision, error) {
	if req.ResourceType == "" {
		req.ResourceType = MainFrame
	}
	active := s.ActiveRules()
	rules := make([]interface{}, 0, len(active))
	for _, r := range active {
		rules = append(rules, r.input())
	}

	return s.evaluator.Evaluate(ctx, map[string]interface{}{
		"host":          strings.TrimSuffix(strings.ToLower(req.Host), "."),
		"path":          req.Path,
		"resource_type": string(req.ResourceType),
		"rules":         rules,
	})
}
