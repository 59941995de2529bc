package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Event types emitted by the reader firmware.
const (
	TypeDebug  = "debug"
	TypeFelica = "felica"
)

// Field names used by the reader firmware.
const (
	FieldType       = "type"
	FieldIDm        = "idm"
	FieldMACAddress = "macaddress"
	FieldMessage    = "msg"
)

// TouchDateLayout is ISO-8601 with an explicit numeric offset, e.g.
// 2016-09-24T10:15:30.123456+00:00.
const TouchDateLayout = "2006-01-02T15:04:05.000000-07:00"

// Document is a JSON object decoded from one reader line. Numbers are kept as
// json.Number so card identifiers printed as integers survive intact.
type Document map[string]interface{}

// String returns the named field as a string. JSON strings are returned as-is
// and numbers in their decimal form; any other value reports false.
func (d Document) String(key string) (string, bool) {
	switch v := d[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Type returns the document's type discriminator.
func (d Document) Type() string {
	t, _ := d[FieldType].(string)
	return t
}

// Event is a classified card-touch event owned by the transfer queue until a
// delivery attempt consumes it.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	IDm        string    `json:"idm"`
	MACAddress string    `json:"macaddress"`
	IngestedAt time.Time `json:"ingested_at"`
	Attempts   int       `json:"attempts"`
	Fields     Document  `json:"fields,omitempty"`
}

// Touch is the request body accepted by the tracking API's touches endpoint.
type Touch struct {
	Date   string `json:"date"`
	MAC    string `json:"mac"`
	CardID string `json:"card_id"`
	Client *int64 `json:"client"`
}

// NewTouch builds the API payload for an event. clientID <= 0 is sent as null.
func NewTouch(e *Event, clientID int64) Touch {
	t := Touch{
		Date:   e.IngestedAt.UTC().Format(TouchDateLayout),
		MAC:    e.MACAddress,
		CardID: e.IDm,
	}
	if clientID > 0 {
		id := clientID
		t.Client = &id
	}
	return t
}
