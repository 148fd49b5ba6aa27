package caldav

import "encoding/xml"

// calendar-query REPORT body (RFC 4791 section 7.8).

type calendarQuery struct {
	XMLName xml.Name    `xml:"cal:calendar-query"`
	XmlnsD  string      `xml:"xmlns:d,attr"`
	XmlnsC  string      `xml:"xmlns:cal,attr"`
	Prop    queryProp   `xml:"d:prop"`
	Filter  queryFilter `xml:"cal:filter"`
}

type queryProp struct {
	GetETag      struct{} `xml:"d:getetag"`
	CalendarData struct{} `xml:"cal:calendar-data"`
}

type queryFilter struct {
	CompFilter compFilter `xml:"cal:comp-filter"`
}

type compFilter struct {
	Name       string      `xml:"name,attr"`
	CompFilter *compFilter `xml:"cal:comp-filter,omitempty"`
	TimeRange  *timeRange  `xml:"cal:time-range,omitempty"`
}

type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

func newCalendarQuery(start string) calendarQuery {
	event := &compFilter{Name: "VEVENT"}
	if start != "" {
		event.TimeRange = &timeRange{Start: start}
	}
	return calendarQuery{
		XmlnsD: "DAV:",
		XmlnsC: "urn:ietf:params:xml:ns:caldav",
		Filter: queryFilter{CompFilter: compFilter{Name: "VCALENDAR", CompFilter: event}},
	}
}

// Multistatus responses are decoded by namespace, not prefix.

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href     string     `xml:"DAV: href"`
	Propstat []propstat `xml:"DAV: propstat"`
	Status   string     `xml:"DAV: status"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	GetETag      string `xml:"DAV: getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}
