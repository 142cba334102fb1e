package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelPrefix namespaces all bus topics. One Redis channel per event
// type: events.<type>.
const ChannelPrefix = "events."

// Event catalog. Consumers treat anything outside this set as unknown
// and route it to the dead-letter queue.
const (
	TypeUserRegistered      = "user_registered"
	TypeUserDeleted         = "user_deleted"
	TypeUserInteraction     = "user_interaction"
	TypeReactionObserved    = "reaction_observed"
	TypeMissionAssigned     = "mission_assigned"
	TypeMissionProgress     = "mission_progress"
	TypeMissionCompleted    = "mission_completed"
	TypeCurrencyCredited    = "currency_credited"
	TypeCurrencyDebited     = "currency_debited"
	TypeFragmentDelivered   = "narrative_fragment_delivered"
	TypeChoiceMade          = "narrative_choice_made"
	TypeHintUnlocked        = "hint_unlocked"
	TypeLevelChanged        = "narrative_level_changed"
	TypeSubscriptionActive  = "subscription_activated"
	TypeSubscriptionExpired = "subscription_expired"
	TypeVIPAccessGranted    = "vip_access_granted"
	TypeVIPAccessDenied     = "vip_access_denied"
	TypePostScheduled       = "post_scheduled"
	TypePostPublished       = "post_published"
)

var knownTypes = map[string]struct{}{
	TypeUserRegistered:      {},
	TypeUserDeleted:         {},
	TypeUserInteraction:     {},
	TypeReactionObserved:    {},
	TypeMissionAssigned:     {},
	TypeMissionProgress:     {},
	TypeMissionCompleted:    {},
	TypeCurrencyCredited:    {},
	TypeCurrencyDebited:     {},
	TypeFragmentDelivered:   {},
	TypeChoiceMade:          {},
	TypeHintUnlocked:        {},
	TypeLevelChanged:        {},
	TypeSubscriptionActive:  {},
	TypeSubscriptionExpired: {},
	TypeVIPAccessGranted:    {},
	TypeVIPAccessDenied:     {},
	TypePostScheduled:       {},
	TypePostPublished:       {},
}

// KnownType reports whether t is in the event catalog.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is the wire envelope. EventID identifies a publication attempt;
// consumers tolerate duplicates. Seq is a per-user sequence number set
// by producers participating in ordered flows, zero otherwise.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	Seq           int64           `json:"seq,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Channel returns the Redis channel the event publishes on.
func (e *Event) Channel() string {
	return ChannelPrefix + e.Type
}

// NewEvent builds an envelope with a fresh id and UTC timestamp and
// marshals the payload.
func NewEvent(eventType, userID string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the payload into out.
func (e *Event) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Typed payloads, one shape per catalog row.

type UserPayload struct {
	UserID string `json:"user_id"`
}

type InteractionPayload struct {
	UserID  string `json:"user_id"`
	Action  string `json:"action"`
	Context string `json:"context,omitempty"`
}

type ReactionPayload struct {
	UserID          string `json:"user_id"`
	ChannelID       int64  `json:"channel_id"`
	Emoji           string `json:"emoji"`
	SourceMessageID int    `json:"source_message_id"`
}

type MissionPayload struct {
	UserID    string `json:"user_id"`
	MissionID string `json:"mission_id"`
	Progress  int    `json:"progress,omitempty"`
	Reward    int64  `json:"reward,omitempty"`
}

type CurrencyPayload struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type FragmentPayload struct {
	UserID     string `json:"user_id"`
	FragmentID string `json:"fragment_id"`
}

type ChoicePayload struct {
	UserID     string `json:"user_id"`
	FragmentID string `json:"fragment_id"`
	ChoiceID   string `json:"choice_id"`
}

type HintPayload struct {
	UserID string `json:"user_id"`
	HintID string `json:"hint_id"`
}

type LevelPayload struct {
	UserID   string `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Trigger  string `json:"trigger"`
}

type SubscriptionPayload struct {
	UserID string     `json:"user_id"`
	Plan   string     `json:"plan"`
	Until  *time.Time `json:"until,omitempty"`
}

type AccessPayload struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource"`
	Reason   string `json:"reason,omitempty"`
}

type PostPayload struct {
	PostID    string    `json:"post_id"`
	ChannelID int64     `json:"channel_id"`
	PublishAt time.Time `json:"publish_at"`
}
