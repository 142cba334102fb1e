package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/narrabot/internal/audit"
)

// Memory is an in-process Documents implementation. It backs tests and
// keeps the same CAS and uniqueness semantics as the Mongo store.
type Memory struct {
	mu           sync.Mutex
	users        map[string]*UserState
	transactions map[string]*CurrencyTransaction
	fragments    map[string]*Fragment
	hints        map[string]*Hint
	missions     map[string]*Mission
	journal      map[string]*JournalEntry
	tracked      map[string]*TrackedMessage
	posts        map[string]*ScheduledPost
	deadLetters  []*DeadLetter
	adminLogs    []audit.Entry

	// FailNext, when set, makes the next write operation return the
	// given error. Used by tests to inject partial failures.
	FailNext error
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]*UserState),
		transactions: make(map[string]*CurrencyTransaction),
		fragments:    make(map[string]*Fragment),
		hints:        make(map[string]*Hint),
		missions:     make(map[string]*Mission),
		journal:      make(map[string]*JournalEntry),
		tracked:      make(map[string]*TrackedMessage),
		posts:        make(map[string]*ScheduledPost),
	}
}

func (m *Memory) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// clone round-trips through JSON so callers never share memory with the
// stored value.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	return out
}

func (m *Memory) InsertUserState(ctx context.Context, st *UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.users[st.UserID]; ok {
		return ErrDuplicate
	}
	cp := clone(st)
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.users[st.UserID] = cp
	st.Version = cp.Version
	return nil
}

func (m *Memory) GetUserState(ctx context.Context, userID string) (*UserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(st), nil
}

func (m *Memory) GetUserStateByExternalID(ctx context.Context, externalID int64) (*UserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.users {
		if st.ExternalID == externalID {
			return clone(st), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ReplaceUserState(ctx context.Context, st *UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cur, ok := m.users[st.UserID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != st.Version {
		return ErrVersionConflict
	}
	cp := clone(st)
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.users[st.UserID] = cp
	st.Version = cp.Version
	return nil
}

func (m *Memory) DeleteUserState(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.users, userID)
	return nil
}

func (m *Memory) InsertTransaction(ctx context.Context, txn *CurrencyTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.transactions[txn.TxnID]; ok {
		return ErrDuplicate
	}
	m.transactions[txn.TxnID] = clone(txn)
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, txnID string) (*CurrencyTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[txnID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(txn), nil
}

func (m *Memory) ListTransactions(ctx context.Context, userID string, limit int) ([]*CurrencyTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CurrencyTransaction
	for _, txn := range m.transactions {
		if txn.UserID == userID {
			out = append(out, clone(txn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertFragment(ctx context.Context, f *Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.fragments[f.ID] = clone(f)
	return nil
}

func (m *Memory) GetFragment(ctx context.Context, fragmentID string) (*Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fragments[fragmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

func (m *Memory) UpsertHint(ctx context.Context, h *Hint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.hints[h.ID] = clone(h)
	return nil
}

func (m *Memory) GetHint(ctx context.Context, hintID string) (*Hint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hints[hintID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(h), nil
}

func (m *Memory) ListHints(ctx context.Context) ([]*Hint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Hint, 0, len(m.hints))
	for _, h := range m.hints {
		out = append(out, clone(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertMission(ctx context.Context, ms *Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.missions[ms.ID]; ok {
		return ErrDuplicate
	}
	m.missions[ms.ID] = clone(ms)
	return nil
}

func (m *Memory) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[missionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ms), nil
}

func (m *Memory) ListMissions(ctx context.Context, userID string, status MissionStatus) ([]*Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Mission
	for _, ms := range m.missions {
		if ms.UserID == userID && (status == "" || ms.Status == status) {
			out = append(out, clone(ms))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *Memory) ReplaceMission(ctx context.Context, ms *Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.missions[ms.ID]; !ok {
		return ErrNotFound
	}
	m.missions[ms.ID] = clone(ms)
	return nil
}

func (m *Memory) ListMissionsPastDeadline(ctx context.Context, now time.Time) ([]*Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Mission
	for _, ms := range m.missions {
		if ms.Status == MissionActive && ms.Deadline != nil && ms.Deadline.Before(now) {
			out = append(out, clone(ms))
		}
	}
	return out, nil
}

func (m *Memory) UpsertJournal(ctx context.Context, e *JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.journal[e.WorkflowID] = clone(e)
	return nil
}

func (m *Memory) ListJournal(ctx context.Context, status JournalStatus) ([]*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*JournalEntry
	for _, e := range m.journal {
		if status == "" || e.Status == status {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteJournalBefore(ctx context.Context, status JournalStatus, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.journal {
		if e.Status == status && e.UpdatedAt.Before(cutoff) {
			delete(m.journal, id)
			n++
		}
	}
	return n, nil
}

func trackedKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d/%d", chatID, messageID)
}

func (m *Memory) InsertTracked(ctx context.Context, tm *TrackedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.tracked[trackedKey(tm.ChatID, tm.MessageID)] = clone(tm)
	return nil
}

func (m *Memory) DeleteTracked(ctx context.Context, chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, trackedKey(chatID, messageID))
	return nil
}

func (m *Memory) ListTracked(ctx context.Context, chatID int64) ([]*TrackedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TrackedMessage
	for _, tm := range m.tracked {
		if tm.ChatID == chatID {
			out = append(out, clone(tm))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (m *Memory) ListAllTracked(ctx context.Context) ([]*TrackedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TrackedMessage, 0, len(m.tracked))
	for _, tm := range m.tracked {
		out = append(out, clone(tm))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (m *Memory) InsertScheduledPost(ctx context.Context, p *ScheduledPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.posts[p.ID]; ok {
		return ErrDuplicate
	}
	m.posts[p.ID] = clone(p)
	return nil
}

func (m *Memory) ListDuePosts(ctx context.Context, now time.Time) ([]*ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledPost
	for _, p := range m.posts {
		if p.Status == PostPending && !p.PublishAt.After(now) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishAt.Before(out[j].PublishAt) })
	return out, nil
}

func (m *Memory) MarkPostPublished(ctx context.Context, postID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	p.Status = PostPublished
	atCopy := at
	p.PublishedAt = &atCopy
	return nil
}

func (m *Memory) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deadLetters {
		if existing.EventID == d.EventID {
			return ErrDuplicate
		}
	}
	m.deadLetters = append(m.deadLetters, clone(d))
	return nil
}

func (m *Memory) CountDeadLetters(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.deadLetters)), nil
}

// DeadLetters returns a snapshot for test assertions.
func (m *Memory) DeadLetters() []*DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeadLetter, len(m.deadLetters))
	for i, d := range m.deadLetters {
		out[i] = clone(d)
	}
	return out
}

func (m *Memory) InsertAdminLog(ctx context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminLogs = append(m.adminLogs, e)
	return nil
}

// AdminLogs returns a snapshot for test assertions.
func (m *Memory) AdminLogs() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Entry, len(m.adminLogs))
	copy(out, m.adminLogs)
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close(ctx context.Context) error { return nil }

var _ Documents = (*Memory)(nil)
