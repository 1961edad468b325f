package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"crmsync/internal/models"
)

const dateLayout = "2006-01-02"

// Options configure a CalendarClient.
type Options struct {
	// CalendarID is the calendar events are read from and written to. Defaults to "primary".
	CalendarID string
	// Endpoint overrides the API base URL, e.g. for a test server.
	Endpoint string
	// HTTPClient is the base client the bearer transport wraps.
	HTTPClient *http.Client
	// Location is used to place all-day dates on the timeline. Defaults to UTC.
	Location *time.Location
}

// CalendarClient reads and creates events in a user's Google Calendar.
// It holds no user state: every call receives the user's authorization.
type CalendarClient struct {
	logger     *slog.Logger
	calendarID string
	endpoint   string
	httpClient *http.Client
	location   *time.Location
}

// NewClient creates a new Google Calendar client.
func NewClient(logger *slog.Logger, opts Options) *CalendarClient {
	c := &CalendarClient{
		logger:     logger,
		calendarID: opts.CalendarID,
		endpoint:   opts.Endpoint,
		httpClient: opts.HTTPClient,
		location:   opts.Location,
	}
	if c.calendarID == "" {
		c.calendarID = "primary"
	}
	if c.location == nil {
		c.location = time.UTC
	}
	return c
}

// service builds a calendar service authenticated with the user's bearer token.
func (c *CalendarClient) service(ctx context.Context, authz models.Authorization) (*calendar.Service, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: authz.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// ListEvents fetches the events between timeMin and timeMax, following pagination.
// Recurring events are expanded into instances. Events that cannot be placed on
// the timeline are dropped.
func (c *CalendarClient) ListEvents(ctx context.Context, authz models.Authorization, timeMin, timeMax time.Time) ([]*models.ExternalEvent, error) {
	service, err := c.service(ctx, authz)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetching events", "user", authz.UserID, "calendarID", c.calendarID, "timeMin", timeMin, "timeMax", timeMax)

	var events []*models.ExternalEvent
	pageToken := ""
	for {
		call := service.Events.List(c.calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			OrderBy("startTime").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events: %w", err)
		}
		events = append(events, c.toExternalEvents(authz.UserID, res.Items)...)

		pageToken = res.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.logger.Info("Fetched events from Google Calendar", "user", authz.UserID, "count", len(events))
	return events, nil
}

// CreateEvent creates a remote event from a local one and returns it.
func (c *CalendarClient) CreateEvent(ctx context.Context, authz models.Authorization, ev *models.LocalEvent) (*models.ExternalEvent, error) {
	service, err := c.service(ctx, authz)
	if err != nil {
		return nil, err
	}

	created, err := service.Events.Insert(c.calendarID, c.fromLocalEvent(ev)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if created.Id == "" {
		return nil, fmt.Errorf("provider returned an event without id")
	}

	out, ok := c.toExternalEvent(created)
	if !ok {
		// The provider echoed a shape we would not import; the id is all the caller needs.
		out = &models.ExternalEvent{ID: created.Id, Updated: parseUpdated(created.Updated)}
	}
	return out, nil
}

func (c *CalendarClient) toExternalEvents(userID string, items []*calendar.Event) []*models.ExternalEvent {
	var events []*models.ExternalEvent
	for _, item := range items {
		ev, ok := c.toExternalEvent(item)
		if !ok {
			c.logger.Debug("Skipping event without usable start", "user", userID, "id", item.Id)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// toExternalEvent validates a provider event. It reports false for events with
// no id or with neither a start date-time nor a start date.
func (c *CalendarClient) toExternalEvent(item *calendar.Event) (*models.ExternalEvent, bool) {
	if item == nil || item.Id == "" || item.Start == nil {
		return nil, false
	}

	start, allDay, ok := c.parseEventTime(item.Start)
	if !ok {
		return nil, false
	}

	end := start.Add(models.DefaultDuration)
	if item.End != nil {
		if t, _, ok := c.parseEventTime(item.End); ok {
			end = t
		}
	}

	return &models.ExternalEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		ColorID:     item.ColorId,
		StartTime:   start,
		EndTime:     end,
		AllDay:      allDay,
		Updated:     parseUpdated(item.Updated),
	}, true
}

func (c *CalendarClient) parseEventTime(dt *calendar.EventDateTime) (time.Time, bool, bool) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, false
		}
		return t, false, true
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(dateLayout, dt.Date, c.location)
		if err != nil {
			return time.Time{}, false, false
		}
		return t, true, true
	}
	return time.Time{}, false, false
}

// parseUpdated returns the zero time for a missing or malformed timestamp,
// which never wins a last-writer comparison.
func parseUpdated(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *CalendarClient) fromLocalEvent(ev *models.LocalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		ColorId:     ev.Color,
	}
	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.StartTime.In(c.location).Format(dateLayout)}
		out.End = &calendar.EventDateTime{Date: ev.EndTime.In(c.location).Format(dateLayout)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339)}
	}
	return out
}
