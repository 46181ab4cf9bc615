package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotClaimed is returned when a conditional update matched no row because
// another writer changed the record first.
var ErrNotClaimed = errors.New("record not claimed")

// Queue item statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Turn is one entry of a conversation.
type Turn struct {
	Role        string `json:"role"` // "user" or "assistant"
	Content     string `json:"content"`
	PreferAudio bool   `json:"prefer_audio,omitempty"`
}

// QueueItem is a unit of conversational work.
type QueueItem struct {
	ID           string
	TenantID     string
	Recipient    string
	Message      string
	Turns        []Turn
	ConnectionID string
	DatasetID    string
	SystemPrompt string
	Status       string // "pending", "processing", "completed", "failed"
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PreferAudio reports whether the latest user turn asked for a spoken reply.
func (q QueueItem) PreferAudio() bool {
	for i := len(q.Turns) - 1; i >= 0; i-- {
		if q.Turns[i].Role == "user" {
			return q.Turns[i].PreferAudio
		}
	}
	return false
}

// Question returns the content of the latest user turn, falling back to Message.
func (q QueueItem) Question() string {
	for i := len(q.Turns) - 1; i >= 0; i-- {
		if q.Turns[i].Role == "user" && q.Turns[i].Content != "" {
			return q.Turns[i].Content
		}
	}
	return q.Message
}

// Alert is a scheduled threshold notification. Only LastTriggeredAt and
// LastCheckedAt are written by the scheduler.
type Alert struct {
	ID              string
	TenantID        string
	Name            string
	ConnectionID    string
	DatasetID       string
	Query           string
	MessageTemplate string
	Operator        string   // optional; empty means always trigger
	Threshold       *float64 // optional
	Times           []string // "HH:MM"
	Weekdays        []int    // 0=Sunday..6; empty means any
	MonthDays       []int    // 1..31; empty means any
	Phones          []string
	Groups          []string
	Enabled         bool
	LastTriggeredAt *time.Time
	LastCheckedAt   *time.Time
	CreatedAt       time.Time
}

// Alert history trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// AlertHistory records one firing of an alert. Append-only.
type AlertHistory struct {
	ID               string
	AlertID          string
	TenantID         string
	TriggeredAt      time.Time
	TriggerType      string
	Value            *float64
	NotificationSent bool
	RecipientsSent   int
}

// LearningRecord is one observed (intent, query, outcome) tuple. Append-only.
type LearningRecord struct {
	ID        string
	DatasetID string
	TenantID  string
	Question  string
	Intent    string
	Query     string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Connection holds the credentials used to reach a tenant's analytical engine.
// Owned by the admin layer; read-only here.
type Connection struct {
	ID           string
	TenantID     string
	Name         string
	DirectoryID  string // identity-provider tenant
	ClientID     string
	ClientSecret string
	WorkspaceID  string
}

// Dataset is a queryable model behind a Connection.
type Dataset struct {
	ID           string
	TenantID     string
	ConnectionID string
	Name         string
	SchemaDoc    string
}

// Contact maps a messaging address to its tenant and default dataset.
type Contact struct {
	Phone       string
	TenantID    string
	DatasetID   string
	Name        string
	PreferAudio bool
}

// MessagingInstance is the gateway account a tenant sends through.
type MessagingInstance struct {
	TenantID     string
	BaseURL      string
	APIKey       string
	InstanceName string
}

// ConversationMessage is a persisted user or assistant message.
type ConversationMessage struct {
	ID        string
	TenantID  string
	Phone     string
	Role      string
	Content   string
	CreatedAt time.Time
}
