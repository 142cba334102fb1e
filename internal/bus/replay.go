package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// ReplayQueue is the durable local fallback for events the remote
// transport refused. JSONL file, bounded capacity, newest-wins overflow
// (drop oldest). Single writer; the drain reader takes the same lock so
// drains never interleave with appends mid-compaction.
type ReplayQueue struct {
	mu       sync.Mutex
	path     string
	capacity int
	events   []*Event
	dropped  atomic.Int64
}

const DefaultReplayCapacity = 1000

// OpenReplayQueue loads any events persisted by a previous run.
// Corrupt lines are skipped rather than wedging startup.
func OpenReplayQueue(path string, capacity int) (*ReplayQueue, error) {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create replay queue directory: %w", err)
	}

	q := &ReplayQueue{path: path, capacity: capacity}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("open replay queue: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		q.events = append(q.events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay queue: %w", err)
	}
	if len(q.events) > capacity {
		over := len(q.events) - capacity
		q.events = q.events[over:]
		q.dropped.Add(int64(over))
		if err := q.rewriteLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Append enqueues an event. When the queue is full the oldest event is
// evicted and the dropped counter incremented.
func (q *ReplayQueue) Append(ev *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.capacity {
		q.events = q.events[1:]
		q.dropped.Add(1)
		q.events = append(q.events, ev)
		return q.rewriteLocked()
	}

	q.events = append(q.events, ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal replay event: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open replay queue for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append replay event: %w", err)
	}
	return nil
}

// Drain republishes queued events in FIFO order through publish,
// stopping at the first failure. Successfully delivered events are
// removed; the remainder stays for the next healthy probe.
func (q *ReplayQueue) Drain(publish func(*Event) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := 0
	for len(q.events) > 0 {
		if err := publish(q.events[0]); err != nil {
			if werr := q.rewriteLocked(); werr != nil {
				return drained, werr
			}
			return drained, err
		}
		q.events = q.events[1:]
		drained++
	}
	if err := q.rewriteLocked(); err != nil {
		return drained, err
	}
	return drained, nil
}

func (q *ReplayQueue) rewriteLocked() error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open replay queue tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, ev := range q.events {
		b, err := json.Marshal(ev)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("marshal replay event: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("write replay queue tmp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush replay queue tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close replay queue tmp: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace replay queue: %w", err)
	}
	return nil
}

// Len returns the number of queued events.
func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns the total number of evicted events.
func (q *ReplayQueue) Dropped() int64 {
	return q.dropped.Load()
}
