package store

import (
	"time"
)

// Collection names in the document store.
const (
	CollUsers        = "users"
	CollFragments    = "narrative_fragments"
	CollItems        = "items"
	CollHints        = "hints"
	CollMissions     = "missions"
	CollTransactions = "currency_transactions"
	CollEventsAudit  = "events_audit"
	CollJournal      = "workflows_journal"
	CollScheduled    = "scheduled_posts"
	CollAdminLogs    = "admin_logs"
	CollTracking     = "message_tracking"
)

// ChoiceRecord is one entry in a user's choices log.
type ChoiceRecord struct {
	FragmentID string    `json:"fragment_id" bson:"fragment_id"`
	ChoiceID   string    `json:"choice_id" bson:"choice_id"`
	At         time.Time `json:"at" bson:"at"`
}

// UserState is the mutable per-user document. Version implements
// optimistic concurrency: every replace must carry the version it read,
// and the store bumps it on success.
type UserState struct {
	UserID             string            `json:"user_id" bson:"user_id"`
	ExternalID         int64             `json:"external_id" bson:"external_id"`
	CurrentFragmentID  string            `json:"current_fragment_id,omitempty" bson:"current_fragment_id,omitempty"`
	CompletedFragments []string          `json:"completed_fragments" bson:"completed_fragments"`
	ChoicesLog         []ChoiceRecord    `json:"choices_log" bson:"choices_log"`
	UnlockedHints      []string          `json:"unlocked_hints" bson:"unlocked_hints"`
	Items              []string          `json:"items" bson:"items"`
	MenuContext        string            `json:"menu_context,omitempty" bson:"menu_context,omitempty"`
	Scratchpad         map[string]string `json:"scratchpad,omitempty" bson:"scratchpad,omitempty"`
	Preferences        map[string]string `json:"preferences,omitempty" bson:"preferences,omitempty"`
	Balance            int64             `json:"balance" bson:"balance"`
	NarrativeLevel     int               `json:"narrative_level" bson:"narrative_level"`
	Worthiness         float64           `json:"worthiness" bson:"worthiness"`
	Version            int64             `json:"version" bson:"version"`
	CreatedAt          time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" bson:"updated_at"`
}

// HasHint reports whether the user unlocked the given hint.
func (s *UserState) HasHint(hintID string) bool {
	for _, h := range s.UnlockedHints {
		if h == hintID {
			return true
		}
	}
	return false
}

// HasItem reports whether the user holds the given item.
func (s *UserState) HasItem(itemID string) bool {
	for _, it := range s.Items {
		if it == itemID {
			return true
		}
	}
	return false
}

// HasCompleted reports whether the user completed the given fragment.
func (s *UserState) HasCompleted(fragmentID string) bool {
	for _, f := range s.CompletedFragments {
		if f == fragmentID {
			return true
		}
	}
	return false
}

// CurrencyTransaction is append-only. TxnID doubles as the idempotency key.
type CurrencyTransaction struct {
	TxnID         string    `json:"txn_id" bson:"txn_id"`
	UserID        string    `json:"user_id" bson:"user_id"`
	Delta         int64     `json:"delta" bson:"delta"`
	Reason        string    `json:"reason" bson:"reason"`
	CorrelationID string    `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	BalanceAfter  int64     `json:"balance_after" bson:"balance_after"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// ChoicePreconditions gate a narrative choice.
type ChoicePreconditions struct {
	MinLevel      int      `json:"min_level,omitempty" bson:"min_level,omitempty" yaml:"min_level"`
	RequiredRole  string   `json:"required_role,omitempty" bson:"required_role,omitempty" yaml:"required_role"`
	RequiredHints []string `json:"required_hints,omitempty" bson:"required_hints,omitempty" yaml:"required_hints"`
	RequiredItems []string `json:"required_items,omitempty" bson:"required_items,omitempty" yaml:"required_items"`
}

// ChoiceRewards are applied when a choice commits.
type ChoiceRewards struct {
	Currency int64    `json:"currency,omitempty" bson:"currency,omitempty" yaml:"currency"`
	Items    []string `json:"items,omitempty" bson:"items,omitempty" yaml:"items"`
	Hints    []string `json:"hints,omitempty" bson:"hints,omitempty" yaml:"hints"`
}

type Choice struct {
	ID             string              `json:"choice_id" bson:"choice_id" yaml:"id"`
	Label          string              `json:"label" bson:"label" yaml:"label"`
	NextFragmentID string              `json:"next_fragment_id,omitempty" bson:"next_fragment_id,omitempty" yaml:"next_fragment_id"`
	Preconditions  ChoicePreconditions `json:"preconditions,omitempty" bson:"preconditions,omitempty" yaml:"preconditions"`
	Rewards        ChoiceRewards       `json:"rewards,omitempty" bson:"rewards,omitempty" yaml:"rewards"`
}

// Fragment is read-mostly narrative content.
type Fragment struct {
	ID          string   `json:"fragment_id" bson:"fragment_id" yaml:"id"`
	Title       string   `json:"title" bson:"title" yaml:"title"`
	Body        string   `json:"body" bson:"body" yaml:"body"`
	Choices     []Choice `json:"choices" bson:"choices" yaml:"choices"`
	VIPRequired bool     `json:"vip_required" bson:"vip_required" yaml:"vip_required"`
	Tags        []string `json:"tags,omitempty" bson:"tags,omitempty" yaml:"tags"`
}

// FindChoice returns the choice with the given id, or nil.
func (f *Fragment) FindChoice(choiceID string) *Choice {
	for i := range f.Choices {
		if f.Choices[i].ID == choiceID {
			return &f.Choices[i]
		}
	}
	return nil
}

// HintUnlocks describe what a purchased hint opens up.
type HintUnlocks struct {
	FragmentIDs    []string `json:"fragment_ids,omitempty" bson:"fragment_ids,omitempty" yaml:"fragment_ids"`
	LevelPromotion int      `json:"level_promotion,omitempty" bson:"level_promotion,omitempty" yaml:"level_promotion"`
}

// Hint is a purchasable pista.
type Hint struct {
	ID      string      `json:"hint_id" bson:"hint_id" yaml:"id"`
	Title   string      `json:"title" bson:"title" yaml:"title"`
	Cost    int64       `json:"cost_currency" bson:"cost_currency" yaml:"cost_currency"`
	Unlocks HintUnlocks `json:"unlocks" bson:"unlocks" yaml:"unlocks"`
}

type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionExpired   MissionStatus = "expired"
)

// Mission is a per-user assignment from a template. Completion transitions
// status exactly once; the reward txn key is derived from the mission id.
type Mission struct {
	ID          string         `json:"mission_id" bson:"mission_id"`
	UserID      string         `json:"user_id" bson:"user_id"`
	TemplateID  string         `json:"template_id" bson:"template_id"`
	Progress    map[string]int `json:"progress" bson:"progress"`
	Goal        int            `json:"goal" bson:"goal"`
	Reward      int64          `json:"reward" bson:"reward"`
	Status      MissionStatus  `json:"status" bson:"status"`
	AssignedAt  time.Time      `json:"assigned_at" bson:"assigned_at"`
	Deadline    *time.Time     `json:"deadline,omitempty" bson:"deadline,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

type JournalStatus string

const (
	JournalPending   JournalStatus = "pending"
	JournalCompleted JournalStatus = "completed"
	JournalArchived  JournalStatus = "archived"
)

// JournalEntry checkpoints an in-flight workflow so the coordinator can
// replay it after a restart.
type JournalEntry struct {
	WorkflowID string            `json:"workflow_id" bson:"workflow_id"`
	UserID     string            `json:"user_id" bson:"user_id"`
	Step       string            `json:"step" bson:"step"`
	Checkpoint map[string]string `json:"checkpoint,omitempty" bson:"checkpoint,omitempty"`
	Status     JournalStatus     `json:"status" bson:"status"`
	CreatedAt  time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" bson:"updated_at"`
}

// TrackedMessage records one chat message the menu surface owns.
// TTLSeconds of -1 means the message never expires.
type TrackedMessage struct {
	ChatID     int64     `json:"chat_id" bson:"chat_id"`
	MessageID  int       `json:"message_id" bson:"message_id"`
	Kind       string    `json:"kind" bson:"kind"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	TTLSeconds int       `json:"ttl_seconds" bson:"ttl_seconds"`
	IsMainMenu bool      `json:"is_main_menu" bson:"is_main_menu"`
}

type PostStatus string

const (
	PostPending   PostStatus = "pending"
	PostPublished PostStatus = "published"
)

// ScheduledPost is a channel post published by the cron sweep.
type ScheduledPost struct {
	ID          string     `json:"post_id" bson:"post_id"`
	ChannelID   int64      `json:"channel_id" bson:"channel_id"`
	Body        string     `json:"body" bson:"body"`
	PublishAt   time.Time  `json:"publish_at" bson:"publish_at"`
	PublishedAt *time.Time `json:"published_at,omitempty" bson:"published_at,omitempty"`
	Status      PostStatus `json:"status" bson:"status"`
}

// DeadLetter holds an event whose handler exhausted its retry budget.
type DeadLetter struct {
	EventID   string    `json:"event_id" bson:"event_id"`
	EventType string    `json:"event_type" bson:"event_type"`
	Raw       []byte    `json:"raw" bson:"raw"`
	Error     string    `json:"error" bson:"error"`
	Attempts  int       `json:"attempts" bson:"attempts"`
	At        time.Time `json:"at" bson:"at"`
}

// Roles in the relational profile.
const (
	RoleFree  = "free"
	RoleVIP   = "vip"
	RoleAdmin = "admin"
)

// Profile is the relational side of a user.
type Profile struct {
	InternalID  string    `json:"internal_id"`
	ExternalID  int64     `json:"external_id"`
	DisplayName string    `json:"display_name"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Active      bool      `json:"active"`
	Role        string    `json:"role"`
}

// Subscription plans and statuses.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
	PlanVIP     = "vip"

	SubActive    = "active"
	SubInactive  = "inactive"
	SubCancelled = "cancelled"
	SubExpired   = "expired"
)

// Subscription is a relational record. At most one active row per user.
type Subscription struct {
	ID      int64      `json:"id"`
	UserID  string     `json:"user_id"`
	Plan    string     `json:"plan"`
	Status  string     `json:"status"`
	StartAt time.Time  `json:"start_at"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

// IsVIP reports whether the subscription grants VIP access now.
func (s *Subscription) IsVIP(now time.Time) bool {
	if s == nil || s.Status != SubActive {
		return false
	}
	if s.Plan != PlanVIP && s.Plan != PlanPremium {
		return false
	}
	if s.EndAt != nil && !s.EndAt.After(now) {
		return false
	}
	return true
}

// allowedSubTransitions encodes the status DAG: active can cancel or
// expire, inactive can activate, nothing else moves.
var allowedSubTransitions = map[string]map[string]struct{}{
	SubActive: {
		SubCancelled: {},
		SubExpired:   {},
	},
	SubInactive: {
		SubActive: {},
	},
}

// SubTransitionAllowed reports whether from → to is a legal status change.
func SubTransitionAllowed(from, to string) bool {
	next, ok := allowedSubTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
