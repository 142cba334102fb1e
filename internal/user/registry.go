package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/narrabot/internal/audit"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

// Publisher is the slice of the bus the registry needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// lastKnownTTL bounds how stale a cached view may be before a degraded
// read fails instead of serving it.
const lastKnownTTL = 5 * time.Minute

// User is the unified read view across both stores. Partial marks a
// user present on only one side; callers must not treat that as
// not-found while the other side exists. Stale marks a view served
// from the last-known cache while the document store is degraded;
// render from it, never write against it.
type User struct {
	Profile      *store.Profile
	State        *store.UserState
	Subscription *store.Subscription
	Partial      bool
	Stale        bool
}

// InternalID returns the internal id from whichever side is present.
func (u *User) InternalID() string {
	if u.Profile != nil {
		return u.Profile.InternalID
	}
	if u.State != nil {
		return u.State.UserID
	}
	return ""
}

// Registry owns the user lifecycle spanning the relational profile and
// the state document. A user exists in both stores or in neither.
// Successful reads feed a last-known cache that keeps menu rendering
// alive while the document store breaker is OPEN.
type Registry struct {
	docs   store.Documents
	rel    *store.Relational
	pub    Publisher
	logger *slog.Logger

	cacheMu     sync.Mutex
	known       map[string]lastKnown
	externalIDs map[int64]string
}

type lastKnown struct {
	user *User
	at   time.Time
}

func NewRegistry(docs store.Documents, rel *store.Relational, pub Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		docs:        docs,
		rel:         rel,
		pub:         pub,
		logger:      logger.With("component", "user"),
		known:       make(map[string]lastKnown),
		externalIDs: make(map[int64]string),
	}
}

// Create registers a new user. Relational profile first, then the state
// document; a document failure rolls the profile back. Only a failed
// rollback surfaces store_inconsistency, with a reconcile task logged.
func (r *Registry) Create(ctx context.Context, externalID int64, displayName, language string) (*User, error) {
	if externalID == 0 {
		return nil, shared.NewError(shared.KindValidation, "external id is required", "")
	}
	if language == "" {
		language = "es"
	}

	internalID := uuid.NewString()
	now := time.Now().UTC()

	profile := &store.Profile{
		InternalID:  internalID,
		ExternalID:  externalID,
		DisplayName: displayName,
		Language:    language,
		CreatedAt:   now,
		LastSeenAt:  now,
		Active:      true,
		Role:        store.RoleFree,
	}
	if err := r.rel.InsertProfile(ctx, profile); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, shared.NewError(shared.KindAlreadyExists, "user already registered", "")
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	state := &store.UserState{
		UserID:             internalID,
		ExternalID:         externalID,
		NarrativeLevel:     1,
		Balance:            0,
		CompletedFragments: []string{},
		ChoicesLog:         []store.ChoiceRecord{},
		UnlockedHints:      []string{},
		Items:              []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.docs.InsertUserState(ctx, state); err != nil {
		// Compensate: remove the profile so neither store holds the user.
		if delErr := r.rel.DeleteProfile(ctx, internalID); delErr != nil {
			r.logger.Error("profile rollback failed after state insert failure",
				"user_id", internalID, "insert_error", err, "rollback_error", delErr)
			audit.Record(ctx, audit.CategoryReconcileRequired,
				"profile rollback failed during registration",
				map[string]any{"user_id": internalID, "external_id": externalID})
			return nil, shared.WrapError(shared.KindStoreInconsistency,
				"user registration left stores inconsistent", "Contact support.", err)
		}
		return nil, fmt.Errorf("insert user state: %w", err)
	}

	r.publish(ctx, bus.TypeUserRegistered, internalID)
	r.logger.Info("user registered", "user_id", internalID, "external_id", externalID)

	u := &User{Profile: profile, State: state}
	r.remember(u)
	return u, nil
}

// Get merges both stores into one view. A side missing while the other
// exists is surfaced as Partial and queues a reconcile task. A degraded
// document store falls back to the last-known cached view within its
// staleness bound.
func (r *Registry) Get(ctx context.Context, userID string) (*User, error) {
	profile, perr := r.rel.GetProfile(ctx, userID)
	if perr != nil && !errors.Is(perr, store.ErrNotFound) {
		return nil, fmt.Errorf("load profile: %w", perr)
	}
	state, serr := r.docs.GetUserState(ctx, userID)
	if serr != nil && !errors.Is(serr, store.ErrNotFound) {
		if shared.IsKind(serr, shared.KindServiceDegraded) {
			if u := r.recall(userID); u != nil {
				return u, nil
			}
		}
		return nil, fmt.Errorf("load user state: %w", serr)
	}

	if profile == nil && state == nil {
		return nil, shared.NewError(shared.KindNotFound, "user not found", "")
	}

	u := &User{Profile: profile, State: state}
	if profile == nil || state == nil {
		u.Partial = true
		audit.Record(ctx, audit.CategoryReconcileRequired,
			"user present in one store only",
			map[string]any{
				"user_id":       userID,
				"has_profile":   profile != nil,
				"has_state_doc": state != nil,
			})
	}

	if profile != nil {
		sub, err := r.rel.ActiveSubscription(ctx, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load subscription: %w", err)
		}
		u.Subscription = sub
	}
	r.remember(u)
	return u, nil
}

// GetByExternalID resolves the internal id through the profile, falling
// back to the state document when the profile side is missing.
func (r *Registry) GetByExternalID(ctx context.Context, externalID int64) (*User, error) {
	profile, err := r.rel.GetProfileByExternalID(ctx, externalID)
	if err == nil {
		return r.Get(ctx, profile.InternalID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	state, serr := r.docs.GetUserStateByExternalID(ctx, externalID)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			return nil, shared.NewError(shared.KindNotFound, "user not found", "")
		}
		if shared.IsKind(serr, shared.KindServiceDegraded) {
			if u := r.recallExternal(externalID); u != nil {
				return u, nil
			}
		}
		return nil, fmt.Errorf("load user state: %w", serr)
	}
	return r.Get(ctx, state.UserID)
}

// Delete removes a user from both stores. The tombstone event goes out
// first, then the state document, then the profile, so concurrent
// readers never observe a profile without its state.
func (r *Registry) Delete(ctx context.Context, userID string) error {
	if _, err := r.Get(ctx, userID); err != nil {
		return err
	}

	r.publish(ctx, bus.TypeUserDeleted, userID)

	if err := r.docs.DeleteUserState(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete user state: %w", err)
	}
	if err := r.rel.DeleteProfile(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		audit.Record(ctx, audit.CategoryReconcileRequired,
			"profile delete failed after state delete",
			map[string]any{"user_id": userID})
		return shared.WrapError(shared.KindStoreInconsistency,
			"user deletion left stores inconsistent", "", err)
	}

	r.forget(userID)
	r.logger.Info("user deleted", "user_id", userID)
	return nil
}

func (r *Registry) remember(u *User) {
	id := u.InternalID()
	if id == "" {
		return
	}
	externalID := int64(0)
	switch {
	case u.Profile != nil:
		externalID = u.Profile.ExternalID
	case u.State != nil:
		externalID = u.State.ExternalID
	}

	r.cacheMu.Lock()
	r.known[id] = lastKnown{user: snapshotUser(u), at: time.Now()}
	if externalID != 0 {
		r.externalIDs[externalID] = id
	}
	r.cacheMu.Unlock()
}

// recall returns the last-known view within the staleness bound, nil
// otherwise. The copy is marked Stale.
func (r *Registry) recall(userID string) *User {
	r.cacheMu.Lock()
	lk, ok := r.known[userID]
	r.cacheMu.Unlock()
	if !ok || time.Since(lk.at) > lastKnownTTL {
		return nil
	}
	u := snapshotUser(lk.user)
	u.Stale = true
	return u
}

func (r *Registry) recallExternal(externalID int64) *User {
	r.cacheMu.Lock()
	id, ok := r.externalIDs[externalID]
	r.cacheMu.Unlock()
	if !ok {
		return nil
	}
	return r.recall(id)
}

func (r *Registry) forget(userID string) {
	r.cacheMu.Lock()
	if lk, ok := r.known[userID]; ok {
		delete(r.known, userID)
		if lk.user.Profile != nil {
			delete(r.externalIDs, lk.user.Profile.ExternalID)
		} else if lk.user.State != nil {
			delete(r.externalIDs, lk.user.State.ExternalID)
		}
	}
	r.cacheMu.Unlock()
}

// snapshotUser copies the view so cached state never aliases what a
// caller holds. Slices inside the state stay shared; cached views are
// read-only by contract.
func snapshotUser(u *User) *User {
	c := &User{Partial: u.Partial}
	if u.Profile != nil {
		p := *u.Profile
		c.Profile = &p
	}
	if u.State != nil {
		s := *u.State
		c.State = &s
	}
	if u.Subscription != nil {
		s := *u.Subscription
		c.Subscription = &s
	}
	return c
}

// TouchLastSeen updates the activity timestamp, best-effort.
func (r *Registry) TouchLastSeen(ctx context.Context, userID string) {
	if err := r.rel.TouchLastSeen(ctx, userID, time.Now().UTC()); err != nil {
		r.logger.Warn("touch last seen", "user_id", userID, "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, eventType, userID string) {
	if r.pub == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, userID, bus.UserPayload{UserID: userID})
	if err != nil {
		r.logger.Error("build user event", "error", err)
		return
	}
	if err := r.pub.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish user event", "event_type", eventType, "error", err)
	}
}
