package icloud

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/models"
)

func withRule(comp *ical.Component, rule string) *ical.Component {
	p := ical.NewProp(ical.PropRecurrenceRule)
	p.Value = rule
	comp.Props.Set(p)
	return comp
}

func TestExpandEvents(t *testing.T) {
	modTime := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	timeMin := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	timeMax := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)

	t.Run("daily series inside the window", func(t *testing.T) {
		master := withRule(vevent("daily", "Standup",
			time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC)),
			"FREQ=DAILY")
		cancelled := vevent("daily", "Standup",
			time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC))
		cancelled.Props.SetDateTime(ical.PropRecurrenceID, time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
		cancelled.Props.SetText(ical.PropStatus, "CANCELLED")

		events, skipped := expandEvents([]*ical.Component{master, cancelled}, modTime, timeMin, timeMax)
		assert.Zero(t, skipped)
		require.Len(t, events, 6, "seven days less the cancelled one")
		for _, ev := range events {
			assert.NotEqual(t, "daily_20240603T090000Z", ev.ID)
			assert.Equal(t, 15*time.Minute, ev.EndTime.Sub(ev.StartTime))
			assert.False(t, ev.StartTime.Before(timeMin))
		}
		assert.Equal(t, "daily_20240601T090000Z", events[0].ID)
	})

	t.Run("occurrence running into the window is kept", func(t *testing.T) {
		master := withRule(vevent("night", "Plantão",
			time.Date(2024, 5, 30, 22, 0, 0, 0, time.UTC), time.Date(2024, 5, 31, 2, 0, 0, 0, time.UTC)),
			"FREQ=DAILY;COUNT=3")

		events, _ := expandEvents([]*ical.Component{master}, modTime, timeMin, timeMax)
		ids := make([]string, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		assert.Equal(t, []string{"night_20240531T220000Z", "night_20240601T220000Z"}, ids)
	})

	t.Run("all-day series uses the date", func(t *testing.T) {
		master := toICal("plantao", &models.LocalEvent{
			Title: "Plantão", AllDay: true,
			StartTime: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		}, modTime)
		withRule(master, "FREQ=WEEKLY;COUNT=2")

		events, _ := expandEvents([]*ical.Component{master}, modTime, timeMin, timeMax)
		require.Len(t, events, 1)
		assert.Equal(t, "plantao_20240603", events[0].ID)
		assert.True(t, events[0].AllDay)
	})

	t.Run("single events keep their uid", func(t *testing.T) {
		single := vevent("single", "Visita",
			time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC), time.Date(2024, 6, 5, 15, 0, 0, 0, time.UTC))
		broken := ical.NewComponent(ical.CompEvent)

		events, skipped := expandEvents([]*ical.Component{single, broken}, modTime, timeMin, timeMax)
		assert.Equal(t, 1, skipped)
		require.Len(t, events, 1)
		assert.Equal(t, "single", events[0].ID)
	})
}
