package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one append-only security event. ActorUserID is nil for failed
// logins against unknown usernames. There is deliberately no update or
// delete path anywhere in this package.
type Entry struct {
	At          string `json:"at"`
	ActorUserID *int64 `json:"actor_user_id,omitempty"`
	Kind        string `json:"kind"`
	Detail      string `json:"detail,omitempty"`
}

// FileRecorder appends NDJSON entries to a local file. It backs DB-less
// deployments; postgres deployments use PostgresRecorder instead.
type FileRecorder struct {
	path string
	mu   sync.Mutex

	nowFunc func() time.Time
}

func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path, nowFunc: time.Now}
}

func (r *FileRecorder) Record(_ context.Context, actorID *int64, kind, detail string) error {
	if r == nil || r.path == "" {
		return nil
	}
	e := Entry{
		At:          r.nowFunc().UTC().Format(time.RFC3339),
		ActorUserID: actorID,
		Kind:        kind,
		Detail:      detail,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
