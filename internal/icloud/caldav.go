package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"crmsync/internal/models"
)

// DefaultEndpoint is the iCloud CalDAV server.
const DefaultEndpoint = "https://caldav.icloud.com/"

// basicAuthTransport adds Basic Auth and the user agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "crmsync/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient reads and creates events on a CalDAV server such as iCloud.
// The credential's account is the username and its access token an app-specific password.
type CalDAVClient struct {
	logger       *slog.Logger
	endpoint     string
	calendarName string
	transport    http.RoundTripper
	ids          models.IDGenerator
	clock        models.Clock
}

// NewClient creates a CalDAV client for the calendar with the given display name.
func NewClient(logger *slog.Logger, endpoint, calendarName string, ids models.IDGenerator, clock models.Clock) *CalDAVClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	if clock == nil {
		clock = models.RealClock{}
	}
	return &CalDAVClient{
		logger:       logger,
		endpoint:     endpoint,
		calendarName: calendarName,
		transport:    http.DefaultTransport,
		ids:          ids,
		clock:        clock,
	}
}

func (c *CalDAVClient) connect(ctx context.Context, authz models.Authorization) (*caldav.Client, string, error) {
	httpClient := &http.Client{Transport: &basicAuthTransport{
		Username:  authz.Account,
		Password:  authz.AccessToken,
		Transport: c.transport,
	}}

	client, err := caldav.NewClient(httpClient, c.endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create caldav client: %w", err)
	}

	calendarPath, err := c.findCalendar(ctx, client)
	if err != nil {
		return nil, "", fmt.Errorf("could not find calendar '%s': %w", c.calendarName, err)
	}
	return client, calendarPath, nil
}

// ListEvents queries the calendar for events overlapping [timeMin, timeMax].
// Recurring events are expanded into their occurrences.
func (c *CalDAVClient) ListEvents(ctx context.Context, authz models.Authorization, timeMin, timeMax time.Time) ([]*models.ExternalEvent, error) {
	client, calendarPath, err := c.connect(ctx, authz)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: timeMin, End: timeMax}},
		},
	}
	objects, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []*models.ExternalEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		expanded, skipped := expandEvents(obj.Data.Children, obj.ModTime, timeMin, timeMax)
		if skipped > 0 {
			c.logger.Debug("Skipping events without usable start", "user", authz.UserID, "path", obj.Path, "count", skipped)
		}
		events = append(events, expanded...)
	}

	c.logger.Info("Fetched events from CalDAV", "user", authz.UserID, "count", len(events))
	return events, nil
}

// CreateEvent stores a new calendar object for the local event and returns its UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, authz models.Authorization, ev *models.LocalEvent) (*models.ExternalEvent, error) {
	client, calendarPath, err := c.connect(ctx, authz)
	if err != nil {
		return nil, err
	}

	uid := c.ids.New()
	now := c.clock.Now().UTC()

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//crmsync//EN")
	cal.Children = append(cal.Children, toICal(uid, ev, now))

	objectPath := path.Join(calendarPath, uid+".ics")
	if _, err := client.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return nil, fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}

	c.logger.Debug("Created event on CalDAV server", "user", authz.UserID, "uid", uid)
	return &models.ExternalEvent{
		ID:          uid,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		StartTime:   ev.StartTime,
		EndTime:     ev.EndTime,
		AllDay:      ev.AllDay,
		Updated:     now,
	}, nil
}

// toICal converts a local event to a VEVENT component.
func toICal(uid string, ev *models.LocalEvent, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ve.Props.SetDateTime(ical.PropLastModified, stamp)
	if ev.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, ev.StartTime)
		ve.Props.SetDate(ical.PropDateTimeEnd, ev.EndTime)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
	}
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	return ve
}

// toExternalEvent validates a VEVENT. It reports false when the event has no UID or no DTSTART.
func toExternalEvent(comp *ical.Component, modTime time.Time) (*models.ExternalEvent, bool) {
	uid, _ := comp.Props.Text(ical.PropUID)
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if uid == "" || startProp == nil {
		return nil, false
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return nil, false
	}

	end := start.Add(models.DefaultDuration)
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			end = t
		}
	}

	updated := modTime
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if p := comp.Props.Get(name); p != nil {
			if t, err := p.DateTime(time.UTC); err == nil {
				updated = t
				break
			}
		}
	}

	summary, _ := comp.Props.Text(ical.PropSummary)
	description, _ := comp.Props.Text(ical.PropDescription)
	location, _ := comp.Props.Text(ical.PropLocation)

	return &models.ExternalEvent{
		ID:          uid,
		Title:       summary,
		Description: description,
		Location:    location,
		StartTime:   start,
		EndTime:     end,
		AllDay:      startProp.ValueType() == ical.ValueDate,
		Updated:     updated,
	}, true
}

// findCalendar discovers the user's calendars and returns the path of the one with the configured name.
func (c *CalDAVClient) findCalendar(ctx context.Context, client *caldav.Client) (string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if strings.EqualFold(cal.Name, c.calendarName) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", c.calendarName)
}
