package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/log"
)

const productID = "-//duesync//engine//EN"

// Private properties linking an object back to its commitment.
const (
	propCommitment  ical.ComponentProperty = "X-DUESYNC-COMMITMENT-ID"
	propParticipant ical.ComponentProperty = "X-DUESYNC-PARTICIPANT"
)

// encodeEvent renders a single VEVENT calendar object.
func encodeEvent(uid string, f calendar.EventFields, modified time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)

	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(modified)
	ev.SetModifiedAt(modified)
	ev.SetStartAt(f.Start.UTC())
	ev.SetEndAt(f.End.UTC())
	ev.SetSummary(f.Title)
	if f.Location != "" {
		ev.SetLocation(f.Location)
	}
	if f.Description != "" {
		ev.SetDescription(f.Description)
	}
	if f.CommitmentID != 0 {
		ev.SetProperty(propCommitment, strconv.FormatInt(f.CommitmentID, 10))
	}
	plain := false
	for _, a := range f.Attendees {
		if strings.Contains(a, "@") {
			ev.AddAttendee(a)
		} else {
			plain = true
		}
	}
	// ATTENDEE needs a calendar address; names travel in private properties.
	if plain {
		for _, a := range f.Attendees {
			ev.AddProperty(propParticipant, a)
		}
	}
	return cal.Serialize()
}

// decodeEvents reads every VEVENT of a calendar object.
func decodeEvents(body []byte) ([]calendar.RemoteEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty calendar data")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []calendar.RemoteEvent
	for _, ve := range cal.Events() {
		ev, err := decodeEvent(ve)
		if err != nil {
			log.Warn("skip malformed vevent", "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(ve *ical.VEvent) (calendar.RemoteEvent, error) {
	var out calendar.RemoteEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.ID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.Updated = t
		}
	} else if p := ve.GetProperty(ical.ComponentPropertyDtstamp); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.Updated = t
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, string(ical.ObjectStatusCancelled)) {
		out.Cancelled = true
		return out, nil
	}

	start, end, allDay, err := eventSpan(ve)
	if err != nil {
		return out, err
	}
	out.AllDay = allDay
	out.Fields = calendar.EventFields{
		Start: start,
		End:   end,
	}
	if p := ve.GetProperty(propCommitment); p != nil {
		if id, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
			out.Fields.CommitmentID = id
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Fields.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Fields.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Fields.Description = p.Value
	}
	seen := map[string]bool{}
	for _, p := range ve.GetProperties(propParticipant) {
		out.Fields.Attendees = append(out.Fields.Attendees, p.Value)
		seen[p.Value] = true
	}
	for _, a := range ve.Attendees() {
		if email := a.Email(); email != "" && !seen[email] {
			out.Fields.Attendees = append(out.Fields.Attendees, email)
			seen[email] = true
		}
	}
	return out, nil
}

// eventSpan returns the event bounds in UTC. Date-only values come back as
// civil dates at midnight UTC with allDay set.
func eventSpan(ve *ical.VEvent) (start, end time.Time, allDay bool, err error) {
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil && isDateValue(p) {
		start, err = time.Parse("20060102", p.Value)
		if err != nil {
			return start, end, false, fmt.Errorf("DTSTART: %w", err)
		}
		end = start.AddDate(0, 0, 1)
		if q := ve.GetProperty(ical.ComponentPropertyDtEnd); q != nil {
			if t, err := time.Parse("20060102", q.Value); err == nil && t.After(start) {
				end = t
			}
		}
		return start, end, true, nil
	}

	start, err = ve.GetStartAt()
	if err != nil {
		return start, end, false, fmt.Errorf("DTSTART: %w", err)
	}
	end, err = ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start
	}
	return start.UTC(), end.UTC(), false, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if v := p.ICalParameters[string(ical.ParameterValue)]; len(v) == 1 && strings.EqualFold(v[0], "DATE") {
		return true
	}
	return len(p.Value) == len("20060102")
}

// parseICSTime handles the UTC, floating and date-only forms of a
// DATE-TIME value. Floating times are read as UTC.
func parseICSTime(v string) (time.Time, error) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}
