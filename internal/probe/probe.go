package probe

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// DefaultIdleThreshold separates generating from waiting.
const DefaultIdleThreshold = 2500 * time.Millisecond

// Root is a tracked process tree: the spawned process and who owns it.
type Root struct {
	PID   int
	Owner string
}

// Probe counts agent processes under tracked roots.
type Probe struct {
	table     ProcessTable
	agentName string
	logger    *slog.Logger
}

// New returns a probe looking for processes named agentName.
func New(table ProcessTable, agentName string, logger *slog.Logger) *Probe {
	if table == nil {
		table = PSTable{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{table: table, agentName: agentName, logger: logger}
}

// Scan issues one process-table query and returns the agent count per owner.
// Owners whose root is gone map to zero.
func (p *Probe) Scan(ctx context.Context, roots []Root) (map[string]int, error) {
	if len(roots) == 0 {
		return map[string]int{}, nil
	}
	procs, err := p.table.Query(ctx)
	if err != nil {
		return nil, err
	}
	counts := CountAgents(procs, roots, p.agentName)
	p.logger.Debug("process scan", "processes", len(procs), "roots", len(roots))
	return counts, nil
}

// CountAgents walks each root's subtree, root included, and counts processes
// whose command matches agentName. An empty agentName counts every live
// process in the tree.
func CountAgents(procs []ProcessInfo, roots []Root, agentName string) map[string]int {
	children := make(map[int][]int, len(procs))
	comm := make(map[int]string, len(procs))
	for _, pr := range procs {
		comm[pr.PID] = pr.Command
		if pr.PPID != pr.PID {
			children[pr.PPID] = append(children[pr.PPID], pr.PID)
		}
	}

	counts := make(map[string]int, len(roots))
	for _, root := range roots {
		if _, ok := counts[root.Owner]; !ok {
			counts[root.Owner] = 0
		}
		if _, alive := comm[root.PID]; !alive {
			continue
		}
		seen := map[int]bool{root.PID: true}
		stack := []int{root.PID}
		for len(stack) > 0 {
			pid := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if matches(comm[pid], agentName) {
				counts[root.Owner]++
			}
			for _, child := range children[pid] {
				if !seen[child] {
					seen[child] = true
					stack = append(stack, child)
				}
			}
		}
	}
	return counts
}

// matches compares the executable's base name. ps truncates comm on some
// platforms, so a prefix of the wanted name also counts.
func matches(command, agentName string) bool {
	if agentName == "" {
		return true
	}
	base := filepath.Base(command)
	if base == agentName {
		return true
	}
	return len(base) >= 8 && strings.HasPrefix(agentName, base)
}

// Classify merges the agent count with output recency.
func Classify(agents int, lastOutput, now time.Time, idle time.Duration) protocol.Activity {
	if agents <= 0 {
		return protocol.ActivityAbsent
	}
	if !lastOutput.IsZero() && now.Sub(lastOutput) < idle {
		return protocol.ActivityGenerating
	}
	return protocol.ActivityWaiting
}
