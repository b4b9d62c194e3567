package parley

import (
	"fmt"
	"strings"
)

// defaultSilenceMinChars is the trimmed-length cutoff below which a final
// message counts as silence. Callers can override it per scenario.
const defaultSilenceMinChars = 20

// CycleTracker accounts for which participants have spoken in the current
// cycle and evaluates the scenario's termination predicates. A cycle
// completes exactly when every participating agent has taken one turn.
type CycleTracker struct {
	participants []string
	spoken       map[string]bool

	currentCycle int
	cycleSig     []int   // trimmed final-content lengths, this cycle
	history      [][]int // one signature per completed cycle

	maxCycles       int
	keywords        []string
	silenceCycles   int // 0 = silence detection disabled
	silenceMinChars int
}

// NewCycleTracker creates a tracker for the given ordered participant set.
// silenceCycles of 0 disables silence detection; silenceMinChars of 0 uses
// the default cutoff.
func NewCycleTracker(participants []string, maxCycles int, keywords []string, silenceCycles, silenceMinChars int) *CycleTracker {
	if silenceMinChars <= 0 {
		silenceMinChars = defaultSilenceMinChars
	}
	return &CycleTracker{
		participants:    append([]string(nil), participants...),
		spoken:          make(map[string]bool),
		maxCycles:       maxCycles,
		keywords:        keywords,
		silenceCycles:   silenceCycles,
		silenceMinChars: silenceMinChars,
	}
}

// RecordTurn registers that agentID produced finalContent this cycle.
// Returns true when the turn completed a cycle.
func (t *CycleTracker) RecordTurn(agentID, finalContent string) bool {
	t.spoken[agentID] = true
	t.cycleSig = append(t.cycleSig, len(strings.TrimSpace(finalContent)))

	if len(t.spoken) < len(t.participants) {
		return false
	}
	for _, p := range t.participants {
		if !t.spoken[p] {
			return false
		}
	}
	t.completeCycle()
	return true
}

// completeCycle closes the current cycle: bump the counter, archive the
// signature, reset the spoken set.
func (t *CycleTracker) completeCycle() {
	t.currentCycle++
	t.history = append(t.history, t.cycleSig)
	t.cycleSig = nil
	t.spoken = make(map[string]bool)
}

// CurrentCycle returns the number of completed cycles.
func (t *CycleTracker) CurrentCycle() int { return t.currentCycle }

// SpokenThisCycle returns the agents that have taken a turn in the current,
// not yet complete cycle.
func (t *CycleTracker) SpokenThisCycle() []string {
	var out []string
	for _, p := range t.participants {
		if t.spoken[p] {
			out = append(out, p)
		}
	}
	return out
}

// CheckTermination evaluates the termination predicates against the latest
// final content. Evaluation order is fixed: max cycles, keyword, silence;
// the first match wins. It is called after every turn so keyword triggers
// stop the conversation promptly, not just at cycle boundaries.
func (t *CycleTracker) CheckTermination(latestContent string) (bool, string) {
	if t.maxCycles > 0 && t.currentCycle >= t.maxCycles {
		return true, "max_cycles"
	}

	lower := strings.ToLower(latestContent)
	for _, kw := range t.keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true, "keyword:" + kw
		}
	}

	if t.silenceCycles > 0 && len(t.history) >= t.silenceCycles {
		silent := true
	outer:
		for _, sig := range t.history[len(t.history)-t.silenceCycles:] {
			for _, n := range sig {
				if n > t.silenceMinChars {
					silent = false
					break outer
				}
			}
		}
		if silent {
			return true, "silence"
		}
	}

	return false, ""
}

// Reset clears all accounting for a fresh conversation.
func (t *CycleTracker) Reset() {
	t.currentCycle = 0
	t.cycleSig = nil
	t.history = nil
	t.spoken = make(map[string]bool)
}

// String describes the tracker state for logs.
func (t *CycleTracker) String() string {
	return fmt.Sprintf("cycle %d/%d, %d/%d spoken", t.currentCycle, t.maxCycles, len(t.spoken), len(t.participants))
}
