// Package probe inspects the OS process table to tell whether ticket agents
// are alive and producing output.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessInfo is one row of the process table.
type ProcessInfo struct {
	PID     int
	PPID    int
	Command string
}

// ProcessTable returns a snapshot of every process on the machine.
type ProcessTable interface {
	Query(ctx context.Context) ([]ProcessInfo, error)
}

// PSTable queries the table with a single ps invocation.
type PSTable struct {
	// Path defaults to "ps".
	Path string
}

func (p PSTable) Query(ctx context.Context) ([]ProcessInfo, error) {
	bin := p.Path
	if bin == "" {
		bin = "ps"
	}
	out, err := exec.CommandContext(ctx, bin, "-A", "-o", "pid=,ppid=,comm=").Output()
	if err != nil {
		return nil, fmt.Errorf("probe: ps: %w", err)
	}
	return ParsePS(out), nil
}

// ParsePS parses "pid ppid comm" lines. Malformed lines are skipped. comm
// may contain spaces, so everything after the second field is the command.
func ParsePS(out []byte) []ProcessInfo {
	var procs []ProcessInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pidStr, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		rest = strings.TrimLeft(rest, " \t")
		ppidStr, comm, ok := strings.Cut(rest, " ")
		if !ok {
			continue
		}
		pid, err1 := strconv.Atoi(pidStr)
		ppid, err2 := strconv.Atoi(ppidStr)
		if err1 != nil || err2 != nil {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, PPID: ppid, Command: strings.TrimSpace(comm)})
	}
	return procs
}
