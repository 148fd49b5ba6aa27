package google

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hray3182/duesync/internal/calendar"
)

// Keys of the private extended properties the engine owns.
const (
	propCommitment   = "duesyncCommitment"
	propParticipants = "duesyncParticipants"
)

type event struct {
	ID                 string              `json:"id,omitempty"`
	Status             string              `json:"status,omitempty"`
	Summary            string              `json:"summary"`
	Description        string              `json:"description,omitempty"`
	Location           string              `json:"location,omitempty"`
	Start              *eventTime          `json:"start,omitempty"`
	End                *eventTime          `json:"end,omitempty"`
	Attendees          []attendee          `json:"attendees,omitempty"`
	ExtendedProperties *extendedProperties `json:"extendedProperties,omitempty"`
	Updated            string              `json:"updated,omitempty"`
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type attendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type extendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

func toEvent(f calendar.EventFields) event {
	ev := event{
		// Confirmed also revives an event cancelled under the same id.
		Status:      "confirmed",
		Summary:     f.Title,
		Description: f.Description,
		Location:    f.Location,
		Start:       &eventTime{DateTime: f.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &eventTime{DateTime: f.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}

	private := map[string]string{}
	if f.CommitmentID != 0 {
		private[propCommitment] = strconv.FormatInt(f.CommitmentID, 10)
	}
	// Google rejects attendees without an address; the full list rides along
	// privately so names survive a pull.
	plain := false
	for _, a := range f.Attendees {
		if strings.Contains(a, "@") {
			ev.Attendees = append(ev.Attendees, attendee{Email: a})
		} else {
			plain = true
		}
	}
	if plain {
		private[propParticipants] = strings.Join(f.Attendees, "\n")
	}
	if len(private) > 0 {
		ev.ExtendedProperties = &extendedProperties{Private: private}
	}
	return ev
}

func (e event) remote() (calendar.RemoteEvent, error) {
	if e.ID == "" {
		return calendar.RemoteEvent{}, errors.New("event without id")
	}
	out := calendar.RemoteEvent{
		ID:        e.ID,
		Cancelled: e.Status == "cancelled",
	}
	if e.Updated != "" {
		updated, err := time.Parse(time.RFC3339Nano, e.Updated)
		if err != nil {
			return calendar.RemoteEvent{}, fmt.Errorf("updated: %w", err)
		}
		out.Updated = updated.UTC()
	}
	// Cancelled events may carry nothing but id and status.
	if out.Cancelled {
		return out, nil
	}

	start, err := e.Start.parse()
	if err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := e.End.parse()
	if err != nil || end.Before(start) {
		end = start
	}
	out.AllDay = e.Start.DateTime == "" && e.Start.Date != ""
	out.Fields = calendar.EventFields{
		Title:       e.Summary,
		Start:       start,
		End:         end,
		Location:    e.Location,
		Description: e.Description,
		Attendees:   e.participants(),
	}
	if e.ExtendedProperties != nil {
		if id, err := strconv.ParseInt(e.ExtendedProperties.Private[propCommitment], 10, 64); err == nil {
			out.Fields.CommitmentID = id
		}
	}
	return out, nil
}

// participants restores the pushed list and appends invitees added in
// Google afterwards.
func (e event) participants() []string {
	var out []string
	seen := map[string]bool{}
	if e.ExtendedProperties != nil {
		if list := e.ExtendedProperties.Private[propParticipants]; list != "" {
			for _, p := range strings.Split(list, "\n") {
				out = append(out, p)
				seen[p] = true
			}
		}
	}
	for _, a := range e.Attendees {
		if a.Email != "" && !seen[a.Email] {
			out = append(out, a.Email)
			seen[a.Email] = true
		}
	}
	return out
}

func (t *eventTime) parse() (time.Time, error) {
	switch {
	case t == nil:
		return time.Time{}, errors.New("missing time")
	case t.DateTime != "":
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v.UTC(), err
	case t.Date != "":
		// A civil date; the coordinator places it in the user's zone.
		return time.Parse("2006-01-02", t.Date)
	default:
		return time.Time{}, errors.New("empty time")
	}
}
