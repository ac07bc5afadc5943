package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// Engine evaluates the ordered rule set against the latest readings and
// proposes at most one reserve change per evaluation. All rule mutations
// go through the engine so evaluation always sees a validated, sorted set.
type Engine struct {
	mu    sync.Mutex
	rules []types.Rule
	// lastFired tracks per-rule cooldowns by rule ID
	lastFired map[string]time.Time
}

// New returns an empty engine. Rules are added via Replace or AddRule.
func New() *Engine {
	return &Engine{lastFired: make(map[string]time.Time)}
}

// Configured sets up the rules engine based on flags.
func Configured() *Engine {
	var defs []types.Rule
	lflag.JSON(&defs, "rules", defs, "JSON array of initial automation rules")

	e := New()
	lflag.Do(func() {
		if err := e.Replace(defs); err != nil {
			panic(fmt.Sprintf("invalid rules flag: %v", err))
		}
	})
	return e
}

// Evaluate walks the enabled rules in priority order and returns the first
// decision whose trigger holds and whose cooldown has elapsed. Firing a rule
// starts its cooldown even if the decision is later rejected downstream.
func (e *Engine) Evaluate(now time.Time, latest types.Reading, window []types.Reading) (types.Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		ok, reason := triggerHolds(r, now, latest, window)
		if !ok {
			continue
		}
		if last, fired := e.lastFired[r.ID]; fired && now.Sub(last) < r.Cooldown() {
			continue
		}
		e.lastFired[r.ID] = now
		return types.Decision{
			RuleID:                  r.ID,
			RuleName:                r.Name,
			RequestedReservePercent: r.TargetReservePercent,
			Timestamp:               now,
			Reason:                  reason,
		}, true
	}
	return types.Decision{}, false
}

// Rules returns a copy of the rule set in evaluation order.
func (e *Engine) Rules() []types.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Counts returns the enabled and total rule counts for status reporting.
func (e *Engine) Counts() (enabled, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.Enabled {
			enabled++
		}
	}
	return enabled, len(e.rules)
}

// AddRule validates and inserts a rule, assigning an ID when absent, and
// returns the stored rule.
func (e *Engine) AddRule(r types.Rule) (types.Rule, error) {
	if err := r.Validate(); err != nil {
		return types.Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return types.Rule{}, fmt.Errorf("rule %s already exists", r.ID)
		}
	}
	e.rules = append(e.rules, r)
	e.sortLocked()
	return r, nil
}

// UpdateRule validates and replaces the rule with the same ID.
func (e *Engine) UpdateRule(r types.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == r.ID {
			e.rules[i] = r
			e.sortLocked()
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", r.ID)
}

// RemoveRule deletes a rule and forgets its cooldown.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			delete(e.lastFired, id)
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// SetEnabled flips a rule's enabled state without touching its cooldown.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == id {
			e.rules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// Replace swaps in a whole new rule set. Either every rule validates or the
// current set is left untouched.
func (e *Engine) Replace(rules []types.Rule) error {
	next := make([]types.Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule ID %s", r.ID)
		}
		seen[r.ID] = true
		next = append(next, r)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = next
	e.sortLocked()
	for id := range e.lastFired {
		if !seen[id] {
			delete(e.lastFired, id)
		}
	}
	return nil
}

// sortLocked orders rules for evaluation: priority ascending, ID as the
// tiebreak so evaluation order is deterministic. Caller holds the lock.
func (e *Engine) sortLocked() {
	sort.Slice(e.rules, func(i, j int) bool {
		if e.rules[i].Priority != e.rules[j].Priority {
			return e.rules[i].Priority < e.rules[j].Priority
		}
		return e.rules[i].ID < e.rules[j].ID
	})
}
