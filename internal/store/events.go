package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crmsync/internal/models"
)

// ErrAlreadySynced is returned when linking an event that already carries an external id.
var ErrAlreadySynced = errors.New("event is already synced")

// ErrEventNotFound is returned when an event lookup matches no row.
var ErrEventNotFound = errors.New("event not found")

const eventColumns = `id, user_id, kind, title, description, location, color,
	start_at, end_at, all_day, external_id, created_at, last_modified`

// CreateEvent stores a user supplied event. The end must be after the start.
// ID, kind and timestamps are filled in when empty.
func (s *Store) CreateEvent(ctx context.Context, ev *models.LocalEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := s.insertEvent(ctx, ev, false); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// InsertImported stores an event imported from the external calendar.
// It reports false when the user already has an event with the same external id,
// which happens when two runs import the same event concurrently.
func (s *Store) InsertImported(ctx context.Context, ev *models.LocalEvent) (bool, error) {
	if ev.ExternalID == "" {
		return false, errors.New("imported event has no external id")
	}
	if err := s.insertEvent(ctx, ev, true); err != nil {
		if errors.Is(err, errDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("inserting imported event: %w", err)
	}
	return true, nil
}

var errDuplicate = errors.New("duplicate external id")

func (s *Store) insertEvent(ctx context.Context, ev *models.LocalEvent, ignoreDuplicate bool) error {
	now := s.now()
	if ev.ID == "" {
		ev.ID = s.ids.New()
	}
	if ev.Kind == "" {
		ev.Kind = models.KindEvent
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.LastModified.IsZero() {
		ev.LastModified = now
	}

	verb := "INSERT"
	if ignoreDuplicate {
		verb = "INSERT OR IGNORE"
	}
	res, err := s.db.ExecContext(ctx, verb+` INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Kind, ev.Title, ev.Description, ev.Location, ev.Color,
		ev.StartTime.UTC(), ev.EndTime.UTC(), ev.AllDay, nullString(ev.ExternalID),
		ev.CreatedAt.UTC(), ev.LastModified.UTC())
	if err != nil {
		return err
	}
	if ignoreDuplicate {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errDuplicate
		}
	}
	return nil
}

// GetEvent returns one of the user's events.
func (s *Store) GetEvent(ctx context.Context, userID, eventID string) (*models.LocalEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND id = ?`, userID, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("getting event: %w", err)
	}
	return ev, nil
}

// GetEventByExternalID returns the user's event linked to externalID.
func (s *Store) GetEventByExternalID(ctx context.Context, userID, externalID string) (*models.LocalEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND external_id = ?`, userID, externalID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("getting event by external id: %w", err)
	}
	return ev, nil
}

// ListEvents returns all of the user's events ordered by start time.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]*models.LocalEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE user_id = ? ORDER BY start_at, id`, userID)
}

// ListUnsynced returns the user's events that have no external id yet.
func (s *Store) ListUnsynced(ctx context.Context, userID string) ([]*models.LocalEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND external_id IS NULL ORDER BY start_at, id`, userID)
}

// ListSynced returns the external id and last-modified time of every synced event of the user.
func (s *Store) ListSynced(ctx context.Context, userID string) ([]models.SyncLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id, last_modified FROM events
		WHERE user_id = ? AND external_id IS NOT NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing synced events: %w", err)
	}
	defer rows.Close()

	var links []models.SyncLink
	for rows.Next() {
		var link models.SyncLink
		if err := rows.Scan(&link.ExternalID, &link.LastModified); err != nil {
			return nil, fmt.Errorf("scanning synced event: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing synced events: %w", err)
	}
	return links, nil
}

// UpdateByExternalID overwrites the mapped fields of the event linked to externalID.
func (s *Store) UpdateByExternalID(ctx context.Context, userID, externalID string, f models.EventFields, lastModified time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events
		SET title = ?, description = ?, location = ?, color = ?,
		    start_at = ?, end_at = ?, all_day = ?, last_modified = ?
		WHERE user_id = ? AND external_id = ?`,
		f.Title, f.Description, f.Location, f.Color,
		f.StartTime.UTC(), f.EndTime.UTC(), f.AllDay, lastModified.UTC(),
		userID, externalID)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating event %s: %w", externalID, err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// SetExternalID links an unsynced event to the external event created for it.
func (s *Store) SetExternalID(ctx context.Context, userID, eventID, externalID string, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET external_id = ?, last_modified = ?
		WHERE user_id = ? AND id = ? AND external_id IS NULL`,
		externalID, syncedAt.UTC(), userID, eventID)
	if err != nil {
		return fmt.Errorf("linking event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("linking event %s: %w", eventID, err)
	}
	if n == 0 {
		return ErrAlreadySynced
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*models.LocalEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*models.LocalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*models.LocalEvent, error) {
	var (
		ev         models.LocalEvent
		externalID sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Kind, &ev.Title, &ev.Description, &ev.Location,
		&ev.Color, &ev.StartTime, &ev.EndTime, &ev.AllDay, &externalID,
		&ev.CreatedAt, &ev.LastModified)
	if err != nil {
		return nil, err
	}
	ev.ExternalID = externalID.String
	return &ev, nil
}
