package models

import (
	"errors"
	"time"
)

// Event kinds stored in the local calendar.
const (
	KindEvent = "event"
	KindTask  = "task"
)

// DefaultDuration is applied when an event has a start but no usable end,
// both for task deadlines and for provider events without an end.
const DefaultDuration = time.Hour

// ErrInvalidTimeRange is returned when a user supplied end is not after its start.
var ErrInvalidTimeRange = errors.New("event end must be after its start")

// LocalEvent is a calendar entry owned by the CRM: a visit, a meeting or a task deadline.
// ExternalID is set once the event is linked to an event in the user's external calendar.
type LocalEvent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Color        string    `json:"color,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	AllDay       bool      `json:"all_day,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// Synced reports whether the event is linked to an external event.
func (e *LocalEvent) Synced() bool {
	return e.ExternalID != ""
}

// Validate checks the fields a user must supply.
func (e *LocalEvent) Validate() error {
	if e.UserID == "" {
		return errors.New("event has no user")
	}
	if e.Title == "" {
		return errors.New("event has no title")
	}
	if e.StartTime.IsZero() {
		return errors.New("event has no start time")
	}
	if !e.EndTime.After(e.StartTime) {
		return ErrInvalidTimeRange
	}
	return nil
}

// NewTaskEvent builds the pseudo-event shown on the calendar for a task deadline.
func NewTaskEvent(userID, title, description string, due time.Time) *LocalEvent {
	return &LocalEvent{
		UserID:      userID,
		Kind:        KindTask,
		Title:       title,
		Description: description,
		StartTime:   due,
		EndTime:     due.Add(DefaultDuration),
	}
}

// SyncLink is the projection of a synced local event used during reconciliation.
type SyncLink struct {
	ExternalID   string
	LastModified time.Time
}

// ExternalEvent is a provider event that passed validation at the fetch boundary.
// It is never stored as is; its fields are copied into a LocalEvent.
type ExternalEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	ColorID     string
	StartTime   time.Time
	EndTime     time.Time
	AllDay      bool
	Updated     time.Time
}

// EventFields are the fields overwritten when an external event is imported or updated.
type EventFields struct {
	Title       string
	Description string
	Location    string
	Color       string
	StartTime   time.Time
	EndTime     time.Time
	AllDay      bool
}

// Fields returns the mapped fields, substituting defaultTitle for an empty title.
func (e *ExternalEvent) Fields(defaultTitle string) EventFields {
	title := e.Title
	if title == "" {
		title = defaultTitle
	}
	return EventFields{
		Title:       title,
		Description: e.Description,
		Location:    e.Location,
		Color:       e.ColorID,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		AllDay:      e.AllDay,
	}
}

// Apply overwrites the mapped fields of a local event.
func (f EventFields) Apply(ev *LocalEvent) {
	ev.Title = f.Title
	ev.Description = f.Description
	ev.Location = f.Location
	ev.Color = f.Color
	ev.StartTime = f.StartTime
	ev.EndTime = f.EndTime
	ev.AllDay = f.AllDay
}
