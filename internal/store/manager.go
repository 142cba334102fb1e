package store

import (
	"context"
	"time"
)

// StoreHealth is one probe result.
type StoreHealth struct {
	Up      bool          `json:"up"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Manager binds the document and relational stores behind one handle.
// User lifecycle writes span both; the coordinator and breaker probes
// consume Health.
type Manager struct {
	Doc Documents
	Rel *Relational
}

func NewManager(doc Documents, rel *Relational) *Manager {
	return &Manager{Doc: doc, Rel: rel}
}

// Health probes both stores and reports per-store status keyed
// "document" and "relational".
func (m *Manager) Health(ctx context.Context) map[string]StoreHealth {
	out := make(map[string]StoreHealth, 2)

	start := time.Now()
	err := m.Doc.Ping(ctx)
	h := StoreHealth{Up: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	out["document"] = h

	start = time.Now()
	err = m.Rel.Ping(ctx)
	h = StoreHealth{Up: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	out["relational"] = h

	return out
}

func (m *Manager) Close(ctx context.Context) error {
	docErr := m.Doc.Close(ctx)
	relErr := m.Rel.Close()
	if docErr != nil {
		return docErr
	}
	return relErr
}
