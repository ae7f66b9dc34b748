package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fisaks/uhn-gateway/internal/logging"
)

// auditLog is the append-only factory_reset_audit.log writer (spec §6,
// §4.1 clear_all_configurations). It never participates in the WAL
// protocol — an audit line that doesn't make it to disk before a crash
// is a cosmetic loss, not a correctness one.
type auditLog struct {
	mu   sync.Mutex
	path string
}

func newAuditLog(path string) *auditLog {
	return &auditLog{path: path}
}

// record appends a single timestamped line describing what was cleared
// and by what trigger (BLE system command, CLI, etc).
func (a *auditLog) record(action, actor, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Tagged("config").Warn("audit log open failed", "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s action=%s actor=%s %s\n", time.Now().Format(time.RFC3339), action, actor, detail)
	if _, err := f.WriteString(line); err != nil {
		logging.Tagged("config").Warn("audit log write failed", "error", err)
	}
}
