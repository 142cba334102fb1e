package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/narrabot/internal/shared"
)

// Categories for admin log entries. Operators filter on these.
const (
	CategoryReconcileRequired = "reconcile_required"
	CategoryOrderTimeout      = "order_timeout"
	CategoryPartialFailure    = "partial_failure"
	CategoryStoreInconsistent = "store_inconsistency"
	CategorySubscription      = "subscription"
	CategoryBreaker           = "breaker"
)

// Entry is one admin-visible audit record. Written to logs/admin.jsonl
// and mirrored into the admin_logs collection when a sink is configured.
type Entry struct {
	Timestamp     string         `json:"timestamp" bson:"timestamp"`
	Category      string         `json:"category" bson:"category"`
	UserID        string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	Message       string         `json:"message" bson:"message"`
	Detail        map[string]any `json:"detail,omitempty" bson:"detail,omitempty"`
}

// Sink receives entries for durable collection storage. Implemented by
// the document store; nil sink means file-only auditing.
type Sink interface {
	InsertAdminLog(ctx context.Context, e Entry) error
}

var (
	mu             sync.Mutex
	file           *os.File
	sink           Sink
	reconcileCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "admin.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetSink configures the document-store sink for admin_logs writes.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ReconcileCount returns the number of reconcile_required entries since startup.
func ReconcileCount() int64 {
	return reconcileCount.Load()
}

func Record(ctx context.Context, category, message string, detail map[string]any) {
	if category == CategoryReconcileRequired {
		reconcileCount.Add(1)
	}

	e := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Category:      category,
		UserID:        shared.UserID(ctx),
		CorrelationID: shared.CorrelationID(ctx),
		Message:       shared.Redact(message),
		Detail:        redactDetail(detail),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(e)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if sink != nil {
		_ = sink.InsertAdminLog(context.WithoutCancel(ctx), e)
	}
}

func redactDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if s, ok := v.(string); ok {
			out[k] = shared.Redact(s)
		} else {
			out[k] = v
		}
	}
	return out
}
