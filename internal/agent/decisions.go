package agent

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// DefaultDecisionTTL is how long an unconsumed decision is kept before
// pruning. Stale decisions (ids no longer pending in history) simply expire.
const DefaultDecisionTTL = 5 * time.Minute

// DecisionStore is the confirmation boundary: an external channel records
// human verdicts keyed by tool call id, and the resolver consumes each one
// exactly once.
type DecisionStore interface {
	// Submit records a verdict. A verdict for an id the history no longer
	// references is accepted and sits until pruned; resubmitting an id
	// replaces the unconsumed verdict.
	Submit(decision models.ToolDecision) error

	// Take removes and returns the verdict for the given tool call id.
	Take(toolCallID string) (models.ToolDecision, bool)

	// Prune drops unconsumed verdicts older than ttl and reports how many.
	Prune(ttl time.Duration) int
}

// MemoryDecisionStore is an in-memory DecisionStore safe for concurrent use.
type MemoryDecisionStore struct {
	mu        sync.Mutex
	decisions map[string]models.ToolDecision
}

// NewMemoryDecisionStore creates an empty in-memory decision store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{
		decisions: make(map[string]models.ToolDecision),
	}
}

// Submit records a verdict, stamping CreatedAt when unset.
func (s *MemoryDecisionStore) Submit(decision models.ToolDecision) error {
	if strings.TrimSpace(decision.ToolCallID) == "" {
		return errors.New("decision tool call id is required")
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[decision.ToolCallID] = decision
	return nil
}

// Take removes and returns the verdict for the given tool call id.
func (s *MemoryDecisionStore) Take(toolCallID string) (models.ToolDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	decision, ok := s.decisions[toolCallID]
	if ok {
		delete(s.decisions, toolCallID)
	}
	return decision, ok
}

// Prune drops unconsumed verdicts older than ttl and reports how many.
func (s *MemoryDecisionStore) Prune(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(ttl)
}

// Len returns the number of unconsumed verdicts.
func (s *MemoryDecisionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

func (s *MemoryDecisionStore) pruneLocked(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)
	pruned := 0
	for id, decision := range s.decisions {
		if decision.CreatedAt.Before(cutoff) {
			delete(s.decisions, id)
			pruned++
		}
	}
	return pruned
}
