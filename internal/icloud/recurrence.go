package icloud

import (
	"time"

	"github.com/emersion/go-ical"

	"crmsync/internal/models"
)

// instanceID names one occurrence of a recurring event. A recurring series
// shares its UID, so each occurrence gets the UID plus its original start.
func instanceID(uid string, start time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + start.Format("20060102")
	}
	return uid + "_" + start.UTC().Format("20060102T150405Z")
}

func overlaps(start, end, timeMin, timeMax time.Time) bool {
	if !end.After(start) {
		return !start.Before(timeMin) && start.Before(timeMax)
	}
	return start.Before(timeMax) && end.After(timeMin)
}

// expandEvents turns the VEVENTs of a calendar object into single events.
// Non-recurring events keep their UID. A recurring master is expanded into the
// occurrences overlapping [timeMin, timeMax); a RECURRENCE-ID override replaces
// the occurrence it names and a cancelled override removes it. The second result
// counts the components that could not be read.
func expandEvents(comps []*ical.Component, modTime, timeMin, timeMax time.Time) ([]*models.ExternalEvent, int) {
	var (
		events  []*models.ExternalEvent
		skipped int
		masters []*ical.Component
	)
	overridden := map[string]bool{}

	for _, comp := range comps {
		if comp.Name != ical.CompEvent {
			continue
		}
		rid := comp.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			masters = append(masters, comp)
			continue
		}

		ev, ok := toExternalEvent(comp, modTime)
		if !ok {
			skipped++
			continue
		}
		original, err := rid.DateTime(time.UTC)
		if err != nil {
			skipped++
			continue
		}
		ev.ID = instanceID(ev.ID, original, rid.ValueType() == ical.ValueDate)
		overridden[ev.ID] = true
		if status, _ := comp.Props.Text(ical.PropStatus); status == "CANCELLED" {
			continue
		}
		if overlaps(ev.StartTime, ev.EndTime, timeMin, timeMax) {
			events = append(events, ev)
		}
	}

	for _, comp := range masters {
		base, ok := toExternalEvent(comp, modTime)
		if !ok {
			skipped++
			continue
		}
		set, err := comp.RecurrenceSet(time.UTC)
		if err != nil {
			skipped++
			continue
		}
		if set == nil {
			events = append(events, base)
			continue
		}

		duration := base.EndTime.Sub(base.StartTime)
		for _, start := range set.Between(timeMin.Add(-duration), timeMax, true) {
			end := start.Add(duration)
			id := instanceID(base.ID, start, base.AllDay)
			if overridden[id] || !overlaps(start, end, timeMin, timeMax) {
				continue
			}
			occurrence := *base
			occurrence.ID = id
			occurrence.StartTime = start
			occurrence.EndTime = end
			events = append(events, &occurrence)
		}
	}
	return events, skipped
}
