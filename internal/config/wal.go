package config

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
)

// walEntry is one line of the write-ahead log (spec §4.1, §6): every
// config file write appends an entry, writes target.tmp, renames it onto
// target (the atomic commit point), then marks the entry completed.
type walEntry struct {
	Op        string    `json:"op"`
	Target    string    `json:"target"`
	Temp      string    `json:"temp"`
	CreatedAt time.Time `json:"created_at"`
	Hash      string    `json:"hash"`
	Completed bool      `json:"completed"`
}

// wal is an append-mostly JSON-lines file guarding the store's atomic
// write protocol. It is not itself a queue of pending work to replay —
// only a record of which writes are in flight, used by Recover to clean
// up after a crash between steps (2) and (3) of the write protocol.
type wal struct {
	mu   sync.Mutex
	path string
}

func newWAL(path string) *wal {
	return &wal{path: path}
}

// append adds a new, not-yet-completed entry and returns the byte offset
// it was written at. complete does not use the offset: it appends a
// separate marker line.
func (w *wal) append(op, target, temp string, payload []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}

	sum := sha256.Sum256(payload)
	entry := walEntry{
		Op:        op,
		Target:    target,
		Temp:      temp,
		CreatedAt: time.Now(),
		Hash:      hex.EncodeToString(sum[:]),
		Completed: false,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	return offset, f.Sync()
}

// complete appends a second, completed marker line for the same target.
// The WAL is append-only by design (spec §4.1 step "mark the WAL entry
// completed") — recovery reconciles duplicate target entries by taking
// the last one seen per target, so this never needs an in-place rewrite
// mid-operation. truncateCompleted (run at the end of every Recover) is what keeps
// the file from growing without bound.
func (w *wal) complete(op, target, temp string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	entry := walEntry{Op: op, Target: target, Temp: temp, CreatedAt: time.Now(), Completed: true}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// truncateCompleted rewrites the WAL keeping only the latest entry per
// target that is still incomplete (spec §4.1: "periodically truncate
// completed WAL entries").
func (w *wal) truncateCompleted() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := readWALLocked(w.path)
	if err != nil {
		return err
	}
	latest := map[string]walEntry{}
	for _, e := range entries {
		latest[e.Target] = e
	}
	tmp := w.path + ".compact"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, e := range latest {
		if e.Completed {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}

func readWALLocked(path string) ([]walEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []walEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e walEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // a torn final line from a crash mid-write; skip it
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// RecoveryReport summarizes what the startup scan found and fixed, for
// C9 to log once at Info level before C1 accepts requests.
type RecoveryReport struct {
	StaleTempRemoved  []string
	MarkersCompleted  []string
}

// Recover implements spec §4.1's startup routine: for each incomplete
// entry, if target.tmp exists and no completed marker follows it, delete
// the temp file (the rename never happened); if the rename appears to
// have succeeded (target.tmp is gone, target exists) but the marker is
// missing, write the missing marker.
func (w *wal) Recover() (RecoveryReport, error) {
	w.mu.Lock()
	entries, err := readWALLocked(w.path)
	w.mu.Unlock()
	if err != nil {
		return RecoveryReport{}, err
	}

	// last entry per target wins — completed or not.
	latest := map[string]walEntry{}
	for _, e := range entries {
		latest[e.Target] = e
	}

	var report RecoveryReport
	for target, e := range latest {
		if e.Completed {
			continue
		}
		tmpExists := fileExists(e.Temp)
		targetExists := fileExists(target)
		switch {
		case tmpExists:
			// rename never happened (or was re-attempted and failed);
			// the prior committed target (if any) is untouched.
			if err := os.Remove(e.Temp); err != nil && !os.IsNotExist(err) {
				logging.Tagged("config").Warn("wal recovery: remove stale temp failed", "temp", e.Temp, "error", err)
			} else {
				report.StaleTempRemoved = append(report.StaleTempRemoved, e.Temp)
			}
		case targetExists:
			// rename appears to have succeeded; marker just never got
			// written (crash between steps 3 and 4).
			if err := w.complete(e.Op, target, e.Temp); err != nil {
				return report, err
			}
			report.MarkersCompleted = append(report.MarkersCompleted, target)
		}
	}
	if err := w.truncateCompleted(); err != nil {
		logging.Tagged("config").Warn("wal compaction failed", "error", err)
	}
	return report, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// atomicWrite runs the full write protocol (spec §4.1 steps 1-4) for a
// single target file: WAL-append, write target.tmp, rename, WAL-complete.
func atomicWrite(w *wal, target string, data []byte) error {
	tmp := target + ".tmp"
	if _, err := w.append("write", target, tmp, data); err != nil {
		return fmt.Errorf("%w: wal append: %v", gwerr.ErrPersist, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", gwerr.ErrPersist, err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp: %v", gwerr.ErrPersist, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("%w: rename: %v", gwerr.ErrPersist, err)
	}
	if err := w.complete("write", target, tmp); err != nil {
		// The commit (rename) already happened — the data is safe. A
		// failure here just means Recover() will re-complete the marker
		// on next startup, which is idempotent.
		logging.Tagged("config").Warn("wal complete failed after successful commit", "target", target, "error", err)
	}
	return nil
}
