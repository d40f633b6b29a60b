package supervisor

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultSentinel is printed by the agent when the ticket is done.
	DefaultSentinel = "<promise>COMPLETE</promise>"
	// DefaultIterationPattern matches loop banners such as "=== Iteration 3 ===".
	DefaultIterationPattern = `(?im)^\s*=*\s*iteration\s+(\d+)`
)

// EventKind classifies what a chunk of agent output announced.
type EventKind int

const (
	EventReady EventKind = iota + 1
	EventIteration
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventIteration:
		return "iteration"
	case EventComplete:
		return "complete"
	}
	return "none"
}

// Event is the strongest signal found in a chunk of output.
type Event struct {
	Kind      EventKind
	Iteration int
}

// Detector recognises readiness, iteration and completion markers in agent
// output. It does no I/O.
type Detector struct {
	Sentinel string
	// ReadyPattern, when set, must match before the run counts as ready.
	// When nil any output means ready.
	ReadyPattern *regexp.Regexp
	// IterationPattern may carry one capture group holding the iteration
	// number; without one each match counts as one iteration.
	IterationPattern *regexp.Regexp
}

// NewDetector compiles the patterns. Empty strings select the defaults for
// sentinel and iteration, and first-output readiness.
func NewDetector(sentinel, iterationPattern, readyPattern string) (Detector, error) {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	if iterationPattern == "" {
		iterationPattern = DefaultIterationPattern
	}
	iter, err := regexp.Compile(iterationPattern)
	if err != nil {
		return Detector{}, err
	}
	d := Detector{Sentinel: sentinel, IterationPattern: iter}
	if readyPattern != "" {
		if d.ReadyPattern, err = regexp.Compile(readyPattern); err != nil {
			return Detector{}, err
		}
	}
	return d, nil
}

// Detect returns the strongest event in text: completion beats iteration
// beats readiness.
func (d Detector) Detect(text string) (Event, bool) {
	if d.Sentinel != "" && strings.Contains(text, d.Sentinel) {
		return Event{Kind: EventComplete}, true
	}
	if n, _ := d.Iterations(text, 0); n > 0 {
		return Event{Kind: EventIteration, Iteration: n}, true
	}
	if d.ReadyPattern != nil && d.ReadyPattern.MatchString(text) {
		return Event{Kind: EventReady}, true
	}
	return Event{}, false
}

// Iterations folds the markers in text into prev. Numbered markers raise the
// count to the highest number seen; unnumbered ones add one each. The second
// result reports whether any marker matched.
func (d Detector) Iterations(text string, prev int) (int, bool) {
	if d.IterationPattern == nil {
		return prev, false
	}
	matches := d.IterationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return prev, false
	}
	n := prev
	for _, m := range matches {
		if len(m) > 1 {
			if v, err := strconv.Atoi(m[1]); err == nil {
				n = max(n, v)
				continue
			}
		}
		n++
	}
	return n, true
}
