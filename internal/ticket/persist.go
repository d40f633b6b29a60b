package ticket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/internal/fsutil"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// stamp identifies a version of the document on disk.
type stamp struct {
	size    int64
	modTime time.Time
}

func statStamp(path string) (stamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}, false
	}
	return stamp{size: info.Size(), modTime: info.ModTime()}, true
}

func (r *Repository) ensureLoaded() {
	if r.loaded {
		return
	}
	r.loadLocked()
}

// loadLocked replaces the in-memory set with the document contents. An
// unreadable or corrupt document yields an empty set; the bad file is moved
// aside so the next flush does not destroy it.
func (r *Repository) loadLocked() {
	r.loaded = true
	r.tickets = make(map[string]*protocol.Ticket)

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		r.logger.Error("ticket store: document unreadable, starting empty", "path", r.path, "error", err)
		return
	}
	if st, ok := statStamp(r.path); ok {
		r.lastWrite = st
	}

	list, err := decodeDocument(data)
	if err != nil {
		r.logger.Error("ticket store: document corrupt, starting empty", "path", r.path, "error", err)
		r.quarantine()
		return
	}
	r.replaceLocked(list)
}

func decodeDocument(data []byte) ([]protocol.Ticket, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var list []protocol.Ticket
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// replaceLocked installs list as the ticket set, dropping malformed records
// and normalizing every column to 0..n-1.
func (r *Repository) replaceLocked(list []protocol.Ticket) {
	r.tickets = make(map[string]*protocol.Ticket, len(list))
	for i := range list {
		t := list[i]
		if t.ID == "" || !t.Status.Valid() {
			r.logger.Warn("ticket store: dropping invalid record", "index", i, "id", t.ID, "status", t.Status)
			continue
		}
		if _, dup := r.tickets[t.ID]; dup {
			r.logger.Warn("ticket store: dropping duplicate record", "id", t.ID)
			continue
		}
		if t.AcceptanceCriteria == nil {
			t.AcceptanceCriteria = []string{}
		}
		r.tickets[t.ID] = &t
	}
	for _, s := range protocol.Statuses {
		renumber(r.columnLocked(s, ""))
	}
	r.logger.Info("ticket store loaded", "path", r.path, "tickets", len(r.tickets))
}

func (r *Repository) quarantine() {
	bad := fmt.Sprintf("%s.corrupt-%d", r.path, r.now().Unix())
	if err := os.Rename(r.path, bad); err != nil {
		r.logger.Error("ticket store: could not move corrupt document aside", "path", r.path, "error", err)
		return
	}
	r.logger.Warn("ticket store: corrupt document preserved", "path", bad)
}

// markDirtyLocked schedules a flush once mutations go quiet.
func (r *Repository) markDirtyLocked() {
	r.dirty = true
	if r.timer == nil {
		r.timer = time.AfterFunc(r.quiet, r.flushFromTimer)
		return
	}
	r.timer.Reset(r.quiet)
}

func (r *Repository) flushFromTimer() {
	// Errors are logged inside Flush.
	_ = r.Flush()
}

// Dirty reports whether mutations are waiting to be written.
func (r *Repository) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Flush writes pending mutations now, bypassing the quiet period. On a write
// failure the in-memory set is kept and stays dirty.
func (r *Repository) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	snapshot := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()

	err := r.locks.Do(r.path, func() error {
		if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(r.path, snapshot, 0o644)
	})
	if err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		r.logger.Error("ticket store: flush failed", "path", r.path, "error", err)
		return fmt.Errorf("ticket store: flush: %w", err)
	}

	r.mu.Lock()
	if st, ok := statStamp(r.path); ok {
		r.lastWrite = st
	}
	r.mu.Unlock()
	r.logger.Debug("ticket store flushed", "path", r.path, "tickets", len(snapshot))
	return nil
}

// Close cancels the pending timer and writes anything outstanding.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	return r.Flush()
}

// Reload re-reads the document when it changed on disk behind our back and
// there are no unflushed local changes. A document that does not parse is
// left alone, since the other writer may still be mid-write. It reports
// whether it reloaded.
func (r *Repository) Reload() bool {
	st, ok := statStamp(r.path)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st == r.lastWrite {
		return false
	}
	if r.dirty {
		r.logger.Warn("ticket store: external edit ignored, local changes pending", "path", r.path)
		return false
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("ticket store: reload failed", "path", r.path, "error", err)
		return false
	}
	list, err := decodeDocument(data)
	if err != nil {
		r.logger.Warn("ticket store: external edit not parseable, keeping current set", "path", r.path, "error", err)
		return false
	}
	r.lastWrite = st
	r.loaded = true
	r.replaceLocked(list)
	return true
}
