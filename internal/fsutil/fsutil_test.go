package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickets.json")

	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q, want two", data)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("perm = %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "x.json")
	if err := WriteFileAtomic(path, []byte("x"), 0o644); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteJSONAtomic(path, []int{1, 2}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "[\n  1,\n  2\n]" {
		t.Errorf("content = %q", data)
	}
}

func TestLocksSerializeSamePath(t *testing.T) {
	locks := NewLocks()
	path := filepath.Join(t.TempDir(), "f")

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Do(path, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent writers = %d, want 1", maxInside)
	}
	if locks.Pending() != 0 {
		t.Errorf("pending = %d after all writers finished", locks.Pending())
	}
}

func TestLocksPreserveArrivalOrder(t *testing.T) {
	locks := NewLocks()
	path := filepath.Join(t.TempDir(), "f")

	release := make(chan struct{})
	firstIn := make(chan struct{})
	go locks.Do(path, func() error {
		close(firstIn)
		<-release
		return nil
	})
	<-firstIn

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			locks.Do(path, func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let each waiter enqueue before the next arrives.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestLocksFailureDoesNotPoisonQueue(t *testing.T) {
	locks := NewLocks()
	path := filepath.Join(t.TempDir(), "f")
	boom := errors.New("boom")

	if err := locks.Do(path, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	func() {
		defer func() { recover() }()
		locks.Do(path, func() error { panic("writer crashed") })
	}()

	ran := false
	if err := locks.Do(path, func() error { ran = true; return nil }); err != nil {
		t.Fatalf("third writer: %v", err)
	}
	if !ran {
		t.Error("third writer never ran")
	}
}

func TestLocksDifferentPathsDoNotBlock(t *testing.T) {
	locks := NewLocks()
	dir := t.TempDir()

	hold := make(chan struct{})
	held := make(chan struct{})
	go locks.Do(filepath.Join(dir, "a"), func() error {
		close(held)
		<-hold
		return nil
	})
	<-held
	defer close(hold)

	done := make(chan struct{})
	go func() {
		locks.Do(filepath.Join(dir, "b"), func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer on a different path was blocked")
	}
}

func TestKeyNormalizes(t *testing.T) {
	dir := t.TempDir()
	if Key(filepath.Join(dir, "x", "..", "f")) != Key(filepath.Join(dir, "f")) {
		t.Error("equivalent paths produced different keys")
	}
}
