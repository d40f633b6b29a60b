package board

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/internal/broadcast"
	"github.com/dalejefferson/CodingIDE-sub002/internal/runlog"
	"github.com/dalejefferson/CodingIDE-sub002/internal/supervisor"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ticket"
	"github.com/dalejefferson/CodingIDE-sub002/internal/worktree"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// fakeGit stands in for git init.
type fakeGit struct{ fail bool }

func (f fakeGit) Run(_ context.Context, dir, name string, args ...string) error {
	if f.fail {
		return errors.New("git exploded")
	}
	return os.Mkdir(filepath.Join(dir, ".git"), 0o755)
}

type fixture struct {
	svc   *Service
	repo  *ticket.Repository
	sup   *supervisor.Supervisor
	base  string
	hub   *broadcast.Hub
	store *runlog.SQLiteStore
}

func newFixture(t *testing.T, script string, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	hub := broadcast.NewHub(nil)
	repo := ticket.New(filepath.Join(dir, "tickets.json"), ticket.WithQuietPeriod(time.Hour), ticket.WithListener(hub.Publish))
	t.Cleanup(func() { repo.Close() })

	store, err := runlog.NewSQLiteStore(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sup, err := supervisor.New(supervisor.Config{
		Command:     "/bin/sh",
		Args:        []string{"-c", script},
		GracePeriod: 300 * time.Millisecond,
	}, supervisor.WithRecorder(store))
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.StopAll(ctx)
	})

	base := filepath.Join(dir, "work")
	if err := os.Mkdir(base, 0o755); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithJournal(store)}, opts...)
	svc := New(repo, worktree.New(nil, fakeGit{}, nil), sup, opts...)
	return &fixture{svc: svc, repo: repo, sup: sup, base: base, hub: hub, store: store}
}

// toReview walks a new ticket to in_review.
func (f *fixture) toReview(t *testing.T, title string) protocol.Ticket {
	t.Helper()
	tk, err := f.svc.Create(protocol.CreateTicketRequest{Title: title, Description: "do it"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, to := range []protocol.TicketStatus{protocol.StatusUpNext, protocol.StatusInReview} {
		if tk, err = f.svc.Transition(context.Background(), tk.ID, to); err != nil {
			t.Fatalf("Transition %s: %v", to, err)
		}
	}
	return tk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t, "true")
	if _, err := f.svc.Create(protocol.CreateTicketRequest{Title: "   "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	tk, err := f.svc.Create(protocol.CreateTicketRequest{Title: "  Fix bug "})
	if err != nil || tk.Title != "Fix bug" || tk.Status != protocol.StatusBacklog {
		t.Fatalf("Create = %+v, %v", tk, err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t, "true")
	f.svc.Create(protocol.CreateTicketRequest{Title: "a"})
	f.toReview(t, "b")

	all, _ := f.svc.List("")
	review, _ := f.svc.List(protocol.StatusInReview)
	if len(all) != 2 || len(review) != 1 || review[0].Title != "b" {
		t.Errorf("all=%d review=%v", len(all), review)
	}
	if _, err := f.svc.List("doing"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown status: %v", err)
	}
}

func TestTransitionErrors(t *testing.T) {
	f := newFixture(t, "true")
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "a"})

	if _, err := f.svc.Transition(context.Background(), tk.ID, protocol.StatusCompleted); !errors.Is(err, ticket.ErrInvalidTransition) {
		t.Errorf("disallowed edge: %v", err)
	}
	if _, err := f.svc.Transition(context.Background(), "missing", protocol.StatusUpNext); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("missing ticket: %v", err)
	}
	if _, err := f.svc.Transition(context.Background(), tk.ID, "doing"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown status: %v", err)
	}
}

func TestTransitionIntoInProgressWithoutBaseKeepsStatus(t *testing.T) {
	f := newFixture(t, "true")
	tk := f.toReview(t, "no base")

	got, err := f.svc.Transition(context.Background(), tk.ID, protocol.StatusInProgress)
	if !errors.Is(err, ErrStartFailed) || !errors.Is(err, ErrNoBasePath) {
		t.Fatalf("expected ErrStartFailed wrapping ErrNoBasePath, got %v", err)
	}
	if got.Status != protocol.StatusInProgress {
		t.Errorf("status = %s, transition should stand", got.Status)
	}
	if _, ok := f.sup.Status(tk.ID); ok {
		t.Error("run started without a worktree")
	}
}

func TestSetWorktreeProvisionsOnce(t *testing.T) {
	f := newFixture(t, "true")
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "Login Page"})

	got, err := f.svc.SetWorktree(context.Background(), tk.ID, f.base)
	if err != nil {
		t.Fatalf("SetWorktree: %v", err)
	}
	want := filepath.Join(f.base, "login-page")
	if got.WorktreeBasePath != f.base || got.WorktreePath != want {
		t.Fatalf("paths = %q %q", got.WorktreeBasePath, got.WorktreePath)
	}
	if _, err := os.Stat(filepath.Join(want, ".git")); err != nil {
		t.Errorf("worktree not initialised: %v", err)
	}

	// Same base again is a no-op; a different one conflicts.
	if again, err := f.svc.SetWorktree(context.Background(), tk.ID, f.base); err != nil || again.WorktreePath != want {
		t.Errorf("repeat = %+v, %v", again, err)
	}
	if _, err := f.svc.SetWorktree(context.Background(), tk.ID, t.TempDir()); !errors.Is(err, ErrConflict) {
		t.Errorf("different base: %v", err)
	}
}

func TestSetWorktreeProvisionFailure(t *testing.T) {
	f := newFixture(t, "true")
	f.svc.worktrees = worktree.New(nil, fakeGit{fail: true}, nil)
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "x"})

	got, err := f.svc.SetWorktree(context.Background(), tk.ID, f.base)
	if err == nil {
		t.Fatal("expected error")
	}
	if got.WorktreePath != "" {
		t.Errorf("worktree recorded after failure: %q", got.WorktreePath)
	}
	entries, _ := os.ReadDir(f.base)
	if len(entries) != 0 {
		t.Errorf("half-built worktree left behind: %v", entries)
	}
}

func TestTransitionProvisionsAndExecutes(t *testing.T) {
	f := newFixture(t, `echo started; sleep 30`)
	tk := f.toReview(t, "Run me")
	if _, err := f.svc.SetWorktree(context.Background(), tk.ID, f.base); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Transition(context.Background(), tk.ID, protocol.StatusInProgress)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != protocol.StatusInProgress || got.WorktreePath == "" {
		t.Fatalf("ticket = %+v", got)
	}
	st, err := f.svc.RunStatus(tk.ID)
	if err != nil || !st.Alive {
		t.Fatalf("run = %+v, %v", st, err)
	}

	// Executing again while alive is a no-op on the same run.
	again, err := f.svc.Execute(context.Background(), tk.ID)
	if err != nil || again.RunID != st.RunID {
		t.Errorf("second Execute = %+v, %v", again, err)
	}

	if err := f.svc.Delete(tk.ID); !errors.Is(err, supervisor.ErrRunActive) {
		t.Errorf("Delete with live run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Stop(ctx, tk.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st, _ = f.svc.RunStatus(tk.ID)
	if st.Alive || st.Phase != protocol.PhaseStopped {
		t.Errorf("after stop = %+v", st)
	}
	// Stop again is a no-op.
	if err := f.svc.Stop(ctx, tk.ID); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestExecuteRequiresInProgress(t *testing.T) {
	f := newFixture(t, "true")
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "x"})
	if _, err := f.svc.Execute(context.Background(), tk.ID); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Execute from backlog: %v", err)
	}
	if _, err := f.svc.RunStatus(tk.ID); !errors.Is(err, ErrNoRun) {
		t.Errorf("RunStatus: %v", err)
	}
	if _, err := f.svc.Output(tk.ID); !errors.Is(err, ErrNoRun) {
		t.Errorf("Output: %v", err)
	}
}

func TestReorderIntoInProgressExecutes(t *testing.T) {
	f := newFixture(t, `echo hi; sleep 30`)
	tk := f.toReview(t, "drag me")
	f.svc.SetWorktree(context.Background(), tk.ID, f.base)

	all, err := f.svc.Reorder(context.Background(), tk.ID, protocol.StatusInProgress, 0)
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if len(all) != 1 || all[0].Status != protocol.StatusInProgress {
		t.Errorf("set = %+v", all)
	}
	if st, ok := f.sup.Status(tk.ID); !ok || !st.Alive {
		t.Errorf("agent not started by reorder: %+v", st)
	}
}

func TestReorderRejected(t *testing.T) {
	f := newFixture(t, "true")
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "x"})

	all, err := f.svc.Reorder(context.Background(), tk.ID, protocol.StatusCompleted, 0)
	if !errors.Is(err, ticket.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(all) != 1 || all[0].Status != protocol.StatusBacklog {
		t.Errorf("set changed: %+v", all)
	}
}

func TestCleanupStopsThenRemoves(t *testing.T) {
	f := newFixture(t, `sleep 30`)
	tk := f.toReview(t, "Clean me")
	f.svc.SetWorktree(context.Background(), tk.ID, f.base)
	tk, err := f.svc.Transition(context.Background(), tk.ID, protocol.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	path := tk.WorktreePath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := f.svc.Cleanup(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got.WorktreePath != "" {
		t.Errorf("worktree path not cleared: %q", got.WorktreePath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("worktree still on disk: %v", err)
	}
	if _, ok := f.sup.Status(tk.ID); ok {
		t.Error("run not forgotten")
	}

	// The next run provisions a fresh worktree.
	if _, err := f.svc.Execute(ctx, tk.ID); err != nil {
		t.Fatalf("Execute after cleanup: %v", err)
	}
	if again, _ := f.svc.Get(tk.ID); again.WorktreePath != path {
		t.Errorf("re-provisioned at %q, want %q", again.WorktreePath, path)
	}
}

func TestPRDLifecycle(t *testing.T) {
	f := newFixture(t, "true", WithGenerator(stubGenerator{text: "# PRD\n"}))
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "x"})

	if _, err := f.svc.ApprovePRD(tk.ID); !errors.Is(err, ErrNoPRD) {
		t.Errorf("approve without prd: %v", err)
	}
	got, err := f.svc.GeneratePRD(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GeneratePRD: %v", err)
	}
	if got.PRD == nil || got.PRD.Content != "# PRD\n" || got.PRD.Approved {
		t.Fatalf("prd = %+v", got.PRD)
	}
	got, err = f.svc.ApprovePRD(tk.ID)
	if err != nil || !got.PRD.Approved {
		t.Fatalf("ApprovePRD = %+v, %v", got.PRD, err)
	}

	// A hand edit replaces the content and needs approval again.
	got, err = f.svc.SetPRD(tk.ID, "# Edited\n")
	if err != nil || got.PRD.Approved || got.PRD.Content != "# Edited\n" {
		t.Errorf("SetPRD = %+v, %v", got.PRD, err)
	}
	if _, err := f.svc.SetPRD(tk.ID, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty prd: %v", err)
	}
}

func TestGeneratePRDErrors(t *testing.T) {
	f := newFixture(t, "true")
	tk, _ := f.svc.Create(protocol.CreateTicketRequest{Title: "x"})
	if _, err := f.svc.GeneratePRD(context.Background(), tk.ID); !errors.Is(err, ErrPRDUnavailable) {
		t.Errorf("no generator: %v", err)
	}

	f.svc.generator = stubGenerator{err: errors.New("rate limited")}
	if _, err := f.svc.GeneratePRD(context.Background(), tk.ID); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("generator error: %v", err)
	}
	if got, _ := f.svc.Get(tk.ID); got.PRD != nil {
		t.Error("prd stored after failed generation")
	}
}

type stubGenerator struct {
	text string
	err  error
}

func (g stubGenerator) Generate(context.Context, protocol.Ticket) (string, error) {
	return g.text, g.err
}

func (stubGenerator) Name() string { return "stub" }

// A simulated agent prints the sentinel and exits 0; one broadcaster tick
// later the ticket is in in_testing with a matching history entry.
func TestSentinelAdvancesTicketEndToEnd(t *testing.T) {
	f := newFixture(t, `echo "=== Iteration 1 ==="; echo working; echo "=== Iteration 2 ==="; echo "<promise>COMPLETE</promise>"`)
	events, cancel := f.hub.Subscribe(64)
	defer cancel()

	tk := f.toReview(t, "Finish me")
	f.svc.SetWorktree(context.Background(), tk.ID, f.base)
	if _, err := f.svc.Transition(context.Background(), tk.ID, protocol.StatusInProgress); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	waitFor(t, "agent exit", func() bool {
		st, _ := f.sup.Status(tk.ID)
		return st.Phase.Terminal()
	})

	b := broadcast.New(f.sup, nil, f.repo, f.hub, broadcast.Config{}, nil)
	b.Tick(context.Background())

	got, _ := f.svc.Get(tk.ID)
	if got.Status != protocol.StatusInTesting {
		t.Fatalf("status = %s, want in_testing", got.Status)
	}
	last, ok := got.LastTransition()
	if !ok || last.From != protocol.StatusInProgress || last.To != protocol.StatusInTesting {
		t.Errorf("last transition = %+v", last)
	}

	var sawRun, sawStatus bool
	for len(events) > 0 {
		e := <-events
		switch {
		case e.Type == protocol.EventRunStatusChanged && e.Run.Phase == protocol.PhaseSucceeded:
			sawRun = e.Run.IterationCount == 2
		case e.Type == protocol.EventTicketStatusChanged && e.Ticket.Status == protocol.StatusInTesting:
			sawStatus = true
		}
	}
	if !sawRun || !sawStatus {
		t.Errorf("events: run=%v status=%v", sawRun, sawStatus)
	}

	// The journal is written just after the run is marked finished.
	var runs []protocol.RunRecord
	waitFor(t, "journal entry", func() bool {
		runs, _ = f.svc.Runs(context.Background(), tk.ID, 0)
		return len(runs) == 1
	})
	if runs[0].Phase != protocol.PhaseSucceeded || runs[0].IterationCount != 2 {
		t.Errorf("journal = %+v", runs[0])
	}
}

func TestFailedAgentDoesNotAdvance(t *testing.T) {
	f := newFixture(t, `echo "<promise>COMPLETE</promise>"; exit 3`)
	tk := f.toReview(t, "Fail me")
	f.svc.SetWorktree(context.Background(), tk.ID, f.base)
	f.svc.Transition(context.Background(), tk.ID, protocol.StatusInProgress)
	waitFor(t, "agent exit", func() bool {
		st, _ := f.sup.Status(tk.ID)
		return st.Phase.Terminal()
	})

	broadcast.New(f.sup, nil, f.repo, f.hub, broadcast.Config{}, nil).Tick(context.Background())

	if got, _ := f.svc.Get(tk.ID); got.Status != protocol.StatusInProgress {
		t.Errorf("status = %s, failed run must not advance", got.Status)
	}
}
