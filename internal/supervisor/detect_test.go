package supervisor

import (
	"bytes"
	"regexp"
	"testing"
	"time"
)

func mustDetector(t *testing.T, ready string) Detector {
	t.Helper()
	d, err := NewDetector("", "", ready)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDetect(t *testing.T) {
	d := mustDetector(t, `(?m)^Listening on`)
	tests := []struct {
		name string
		text string
		want Event
		ok   bool
	}{
		{"nothing", "compiling...\nok\n", Event{}, false},
		{"ready", "Listening on :8081\n", Event{Kind: EventReady}, true},
		{"iteration banner", "=== Iteration 3 ===\n", Event{Kind: EventIteration, Iteration: 3}, true},
		{"lowercase iteration", "  iteration 7 of 20", Event{Kind: EventIteration, Iteration: 7}, true},
		{"highest iteration wins", "Iteration 2\nIteration 5\nIteration 4\n", Event{Kind: EventIteration, Iteration: 5}, true},
		{"mid-line mention is not a marker", "see iteration 9 above", Event{}, false},
		{"sentinel", "all done <promise>COMPLETE</promise>\n", Event{Kind: EventComplete}, true},
		{"sentinel beats iteration", "Iteration 8\n<promise>COMPLETE</promise>", Event{Kind: EventComplete}, true},
		{"partial sentinel", "<promise>COMPLE", Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Detect(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Detect(%q) = %+v %v, want %+v %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDetect_NoReadyPattern(t *testing.T) {
	d := mustDetector(t, "")
	if _, ok := d.Detect("Listening on :8081"); ok {
		t.Error("readiness reported without a pattern")
	}
}

func TestIterations(t *testing.T) {
	d := mustDetector(t, "")
	n, ok := d.Iterations("Iteration 2\n", 5)
	if !ok || n != 5 {
		t.Errorf("lower marker lowered count: %d %v", n, ok)
	}
	if n, ok := d.Iterations("plain text", 3); ok || n != 3 {
		t.Errorf("no marker: %d %v", n, ok)
	}

	unnumbered := Detector{IterationPattern: regexp.MustCompile(`(?m)^--- loop ---$`)}
	if n, _ := unnumbered.Iterations("--- loop ---\nx\n--- loop ---\n", 1); n != 3 {
		t.Errorf("unnumbered markers = %d, want 3", n)
	}
}

func TestEventKindString(t *testing.T) {
	if EventComplete.String() != "complete" || EventKind(0).String() != "none" {
		t.Error("unexpected kind names")
	}
}

func TestRing(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte("abc"))
	if got := string(r.Bytes()); got != "abc" {
		t.Fatalf("Bytes = %q", got)
	}
	r.Write([]byte("defgh"))
	if got := string(r.Bytes()); got != "abcdefgh" {
		t.Fatalf("Bytes = %q", got)
	}
	r.Write([]byte("ij"))
	if got := string(r.Bytes()); got != "cdefghij" {
		t.Fatalf("Bytes after wrap = %q", got)
	}
	r.Write([]byte("0123456789"))
	if got := string(r.Bytes()); got != "23456789" {
		t.Fatalf("Bytes after oversize write = %q", got)
	}
	if r.Len() != 8 || r.Total() != 20 {
		t.Errorf("Len/Total = %d/%d", r.Len(), r.Total())
	}
}

func TestRing_ManySmallWrites(t *testing.T) {
	r := NewRing(100)
	var all bytes.Buffer
	for i := 0; i < 1000; i++ {
		chunk := []byte{byte('a' + i%26), byte('A' + i%26), '\n'}
		r.Write(chunk)
		all.Write(chunk)
	}
	want := all.Bytes()[all.Len()-100:]
	if !bytes.Equal(r.Bytes(), want) {
		t.Errorf("ring tail mismatch")
	}
}

func TestOutputWriter_SplitLines(t *testing.T) {
	d := mustDetector(t, "")
	r := &run{ring: NewRing(64), detector: d, now: time.Now}
	w := &outputWriter{run: r}

	w.Write([]byte("=== Itera"))
	w.Write([]byte("tion 1 ===\n<promise>COMP"))
	if r.sentinelSeen {
		t.Fatal("sentinel detected from a partial line")
	}
	if r.iterations != 1 {
		t.Errorf("iterations = %d, want 1", r.iterations)
	}
	w.Write([]byte("LETE</promise>\n"))
	if !r.sentinelSeen {
		t.Error("sentinel split across writes not detected")
	}
	if r.lastOutputAt.IsZero() {
		t.Error("lastOutputAt not recorded")
	}
}
