// Package worktree creates the isolated, version-controlled directory a
// ticket's agent works in.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dalejefferson/CodingIDE-sub002/internal/fsutil"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const maxSlugLen = 48

var (
	// ErrInvalidBase is returned when the base directory is missing, not a
	// directory, or not writable.
	ErrInvalidBase = errors.New("worktree: invalid base directory")
	// ErrAlreadyExists is returned when the target directory is taken.
	ErrAlreadyExists = errors.New("worktree: directory already exists")
)

// Runner executes a command in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner shells out.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if text == "" {
			text = err.Error()
		}
		return fmt.Errorf("%s %s failed in %s: %s", name, strings.Join(args, " "), dir, text)
	}
	return nil
}

// Provisioner turns a base directory and a ticket into a fresh repository.
type Provisioner struct {
	locks  *fsutil.Locks
	runner Runner
	logger *slog.Logger
}

// New returns a provisioner. Nil arguments select the defaults.
func New(locks *fsutil.Locks, runner Runner, logger *slog.Logger) *Provisioner {
	if locks == nil {
		locks = fsutil.NewLocks()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{locks: locks, runner: runner, logger: logger.With("component", "worktree")}
}

// Provision creates base/<slug(title)>, initialises git in it and writes a
// small scaffold. It returns the absolute path. Nothing is left behind when a
// step fails.
func (p *Provisioner) Provision(ctx context.Context, base string, t protocol.Ticket) (string, error) {
	absBase, err := checkBase(base)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(absBase, Slug(t.Title, t.ID))

	// Mkdir, not MkdirAll: it fails atomically if someone else got there first.
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyExists, dir)
		}
		return "", fmt.Errorf("worktree: create %s: %w", dir, err)
	}

	if err := p.scaffold(ctx, dir, t); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.logger.Error("rollback failed", "path", dir, "error", rmErr)
		}
		return "", err
	}
	p.logger.Info("worktree provisioned", "ticket", t.ID, "path", dir)
	return dir, nil
}

func (p *Provisioner) scaffold(ctx context.Context, dir string, t protocol.Ticket) error {
	if err := p.runner.Run(ctx, dir, "git", "init", "-q"); err != nil {
		return fmt.Errorf("worktree: git init: %w", err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{"README.md", []byte(readme(t))},
		{".gitignore", []byte(gitignore)},
	}
	for _, f := range files {
		if err := p.locks.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("worktree: write %s: %w", f.name, err)
		}
	}
	return nil
}

// checkBase resolves base and verifies it is a writable directory.
func checkBase(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidBase)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidBase, abs)
	}
	probe, err := os.CreateTemp(abs, ".writable-*")
	if err != nil {
		return "", fmt.Errorf("%w: %s is not writable: %v", ErrInvalidBase, abs, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return abs, nil
}

// Slug derives a directory name from a ticket title: lowercase ASCII letters
// and digits, runs of anything else collapsed to one dash. An empty result
// falls back to the ticket id.
func Slug(title, id string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		s = "ticket-" + short
	}
	return s
}

const gitignore = `.DS_Store
node_modules/
dist/
build/
.env
*.log
`

func readme(t protocol.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}
	return b.String()
}
