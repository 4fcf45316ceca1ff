// Package bandit selects the execution strategy per process type with
// a UCB1 multi-armed bandit. Three arms: the structured state machine,
// the five-phase executor for complex multi-step tasks, and mixture of
// agents for pure-reasoning tasks. Which one wins per process type is
// learned from observed quality rewards, not guessed.
package bandit

import (
	"math"
	"sync"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const banditFile = "strategy_bandit.json"

// Strategy arms.
const (
	StrategyFSM       = "fsm"
	StrategyFivePhase = "five_phase"
	StrategyMoA       = "moa"
)

var strategies = []string{StrategyFSM, StrategyFivePhase, StrategyMoA}

// explorationC is the UCB1 exploration constant, sqrt(2).
var explorationC = math.Sqrt2

// Arm holds the running mean reward and pull count for one strategy.
type Arm struct {
	Q float64 `json:"q"`
	N int     `json:"n"`
}

// Bandit learns strategy quality per process type and persists state
// across restarts.
type Bandit struct {
	mu    sync.Mutex
	store *store.JSONStore
	state map[string]map[string]*Arm
}

// Load reads persisted bandit state. Missing or corrupt state starts
// fresh.
func Load(js *store.JSONStore) *Bandit {
	b := &Bandit{store: js, state: make(map[string]map[string]*Arm)}
	if js != nil {
		var persisted map[string]map[string]*Arm
		if found, err := js.Load(banditFile, &persisted); err == nil && found {
			b.state = persisted
		}
	}
	return b
}

// arms initializes missing arms at the optimistic-neutral prior q=0.5.
// Caller holds the lock.
func (b *Bandit) arms(processType string) map[string]*Arm {
	arms, ok := b.state[processType]
	if !ok {
		arms = make(map[string]*Arm, len(strategies))
		b.state[processType] = arms
	}
	for _, s := range strategies {
		if _, ok := arms[s]; !ok {
			arms[s] = &Arm{Q: 0.5}
		}
	}
	return arms
}

// Select returns the UCB1-optimal strategy for a process type.
// Unvisited arms are explored first, preferring the state machine as
// the most reliable default.
func (b *Bandit) Select(processType string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	arms := b.arms(processType)

	var unvisited []string
	for _, s := range strategies {
		if arms[s].N == 0 {
			unvisited = append(unvisited, s)
		}
	}
	if len(unvisited) > 0 {
		for _, s := range unvisited {
			if s == StrategyFSM {
				return StrategyFSM
			}
		}
		return unvisited[0]
	}

	total := 0
	for _, arm := range arms {
		total += arm.N
	}

	best, bestScore := StrategyFSM, -1.0
	for _, s := range strategies {
		arm := arms[s]
		score := arm.Q + explorationC*math.Sqrt(math.Log(float64(total))/float64(arm.N))
		if score > bestScore {
			bestScore, best = score, s
		}
	}
	return best
}

// Record updates the chosen arm with the observed quality reward using
// an incremental mean.
func (b *Bandit) Record(processType, strategy string, quality float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	arms := b.arms(processType)
	arm, ok := arms[strategy]
	if !ok {
		arm = &Arm{Q: 0.5}
		arms[strategy] = arm
	}
	arm.N++
	arm.Q += (quality - arm.Q) / float64(arm.N)

	if b.store != nil {
		// Best effort: a failed save never fails the task.
		_ = b.store.Save(banditFile, b.state)
	}
}

// Stats reports bandit learning progress for the health endpoint.
func (b *Bandit) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	totalPulls := 0
	bestArms := map[string]string{}
	for pt, arms := range b.state {
		visited := false
		best, bestQ := "", -1.0
		for s, arm := range arms {
			totalPulls += arm.N
			if arm.N > 0 {
				visited = true
			}
			if arm.Q > bestQ {
				bestQ, best = arm.Q, s
			}
		}
		if visited {
			bestArms[pt] = best
		}
	}
	return map[string]any{
		"total_pulls":           totalPulls,
		"process_types_learned": len(b.state),
		"best_arms":             bestArms,
	}
}
