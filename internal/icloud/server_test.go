package icloud

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/models"
	"crmsync/internal/testutil"
)

const (
	testPrincipal = "/ana/"
	testHomeSet   = "/ana/calendars/"
	testCalendar  = "/ana/calendars/crm/"
)

// memoryBackend is an in-memory CalDAV backend holding one user's calendars.
type memoryBackend struct {
	mu      sync.Mutex
	objects map[string]caldav.CalendarObject
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{objects: map[string]caldav.CalendarObject{}}
}

func (b *memoryBackend) CurrentUserPrincipal(ctx context.Context) (string, error) {
	return testPrincipal, nil
}

func (b *memoryBackend) CalendarHomeSetPath(ctx context.Context) (string, error) {
	return testHomeSet, nil
}

func (b *memoryBackend) CreateCalendar(ctx context.Context, calendar *caldav.Calendar) error {
	return webdav.NewHTTPError(http.StatusForbidden, errors.New("calendars are fixed"))
}

func (b *memoryBackend) ListCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	return []caldav.Calendar{
		{Path: "/ana/calendars/home/", Name: "Home", SupportedComponentSet: []string{ical.CompEvent}},
		{Path: testCalendar, Name: "CRM", SupportedComponentSet: []string{ical.CompEvent}},
	}, nil
}

func (b *memoryBackend) GetCalendar(ctx context.Context, p string) (*caldav.Calendar, error) {
	cals, _ := b.ListCalendars(ctx)
	for _, cal := range cals {
		if cal.Path == p {
			return &cal, nil
		}
	}
	return nil, webdav.NewHTTPError(http.StatusNotFound, errors.New("no such calendar"))
}

func (b *memoryBackend) GetCalendarObject(ctx context.Context, p string, req *caldav.CalendarCompRequest) (*caldav.CalendarObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	co, ok := b.objects[p]
	if !ok {
		return nil, webdav.NewHTTPError(http.StatusNotFound, errors.New("no such object"))
	}
	return &co, nil
}

func (b *memoryBackend) ListCalendarObjects(ctx context.Context, p string, req *caldav.CalendarCompRequest) ([]caldav.CalendarObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []caldav.CalendarObject
	for objPath, co := range b.objects {
		if strings.HasPrefix(objPath, p) {
			out = append(out, co)
		}
	}
	return out, nil
}

func (b *memoryBackend) QueryCalendarObjects(ctx context.Context, p string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	all, err := b.ListCalendarObjects(ctx, p, &query.CompRequest)
	if err != nil {
		return nil, err
	}
	return caldav.Filter(query, all)
}

func (b *memoryBackend) PutCalendarObject(ctx context.Context, p string, cal *ical.Calendar, opts *caldav.PutCalendarObjectOptions) (*caldav.CalendarObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	co := caldav.CalendarObject{
		Path:    p,
		ModTime: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		ETag:    "etag-" + p,
		Data:    cal,
	}
	b.objects[p] = co
	return &co, nil
}

func (b *memoryBackend) DeleteCalendarObject(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, p)
	return nil
}

func (b *memoryBackend) put(t *testing.T, name string, comps ...*ical.Component) {
	t.Helper()
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//test//EN")
	cal.Children = comps
	_, err := b.PutCalendarObject(context.Background(), testCalendar+name, cal, nil)
	require.NoError(t, err)
}

// newCalDAVServer serves backend behind Basic Auth and returns a client for the "crm" calendar.
func newCalDAVServer(t *testing.T, backend *memoryBackend) *CalDAVClient {
	t.Helper()
	h := &caldav.Handler{Backend: backend}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ana@icloud.com" || pass != "app-password" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(logger, srv.URL, "crm", testutil.NewStubIDGenerator(), testutil.FixedClock())
}

func vevent(uid, title string, start, end time.Time) *ical.Component {
	return toICal(uid, &models.LocalEvent{Title: title, StartTime: start, EndTime: end},
		time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC))
}

func byID(events []*models.ExternalEvent) map[string]*models.ExternalEvent {
	out := make(map[string]*models.ExternalEvent, len(events))
	for _, ev := range events {
		out[ev.ID] = ev
	}
	return out
}

func TestCalDAVClient_ListEvents(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	authz := models.Authorization{UserID: "u1", Account: "ana@icloud.com", AccessToken: "app-password"}
	now := testutil.FixedClock().Now()
	timeMin, timeMax := now.Add(-7*24*time.Hour), now.Add(30*24*time.Hour)

	backend.put(t, "single.ics", vevent("single", "Visita",
		time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC), time.Date(2024, 6, 5, 15, 0, 0, 0, time.UTC)))
	backend.put(t, "later.ics", vevent("later", "Fora da janela",
		time.Date(2024, 8, 1, 14, 0, 0, 0, time.UTC), time.Date(2024, 8, 1, 15, 0, 0, 0, time.UTC)))

	// Tuesdays at 09:00 since January, one week skipped and one moved to 11:00.
	master := vevent("weekly", "Weekly review",
		time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = "FREQ=WEEKLY;UNTIL=20240630T000000Z"
	master.Props.Set(rule)
	master.Props.SetDateTime(ical.PropExceptionDates, time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC))
	moved := vevent("weekly", "Moved",
		time.Date(2024, 6, 4, 11, 0, 0, 0, time.UTC), time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC))
	moved.Props.SetDateTime(ical.PropRecurrenceID, time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC))
	backend.put(t, "weekly.ics", moved, master)

	client := newCalDAVServer(t, backend)
	events, err := client.ListEvents(ctx, authz, timeMin, timeMax)
	require.NoError(t, err)

	got := byID(events)
	ids := make([]string, 0, len(got))
	for id := range got {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{
		"single",
		"weekly_20240528T090000Z",
		"weekly_20240604T090000Z",
		"weekly_20240618T090000Z",
		"weekly_20240625T090000Z",
	}, ids)
	assert.Len(t, events, len(ids), "each occurrence appears once")

	single := got["single"]
	assert.Equal(t, "Visita", single.Title)
	assert.True(t, single.StartTime.Equal(time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC)))

	movedEv := got["weekly_20240604T090000Z"]
	assert.Equal(t, "Moved", movedEv.Title)
	assert.True(t, movedEv.StartTime.Equal(time.Date(2024, 6, 4, 11, 0, 0, 0, time.UTC)))

	occurrence := got["weekly_20240618T090000Z"]
	assert.Equal(t, "Weekly review", occurrence.Title)
	assert.True(t, occurrence.StartTime.Equal(time.Date(2024, 6, 18, 9, 0, 0, 0, time.UTC)))
	assert.True(t, occurrence.EndTime.Equal(time.Date(2024, 6, 18, 10, 0, 0, 0, time.UTC)))
	assert.True(t, occurrence.Updated.Equal(time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)))

	t.Run("wrong password", func(t *testing.T) {
		_, err := client.ListEvents(ctx, models.Authorization{UserID: "u1", Account: "ana@icloud.com", AccessToken: "nope"}, timeMin, timeMax)
		assert.Error(t, err)
	})
}

func TestCalDAVClient_CreateEvent(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	authz := models.Authorization{UserID: "u1", Account: "ana@icloud.com", AccessToken: "app-password"}
	client := newCalDAVServer(t, backend)
	start := time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC)

	created, err := client.CreateEvent(ctx, authz, &models.LocalEvent{
		UserID: "u1", Title: "Reunião", Location: "Escritório",
		StartTime: start, EndTime: start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", created.ID)
	assert.True(t, created.Updated.Equal(testutil.FixedClock().Now()))

	stored, err := backend.GetCalendarObject(ctx, testCalendar+"id-1.ics", nil)
	require.NoError(t, err)
	require.Len(t, stored.Data.Children, 1)
	summary, err := stored.Data.Children[0].Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Reunião", summary)

	events, err := client.ListEvents(ctx, authz, start.Add(-time.Hour), start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "id-1", events[0].ID)
	assert.Equal(t, "Escritório", events[0].Location)
	assert.True(t, events[0].StartTime.Equal(start))
}
