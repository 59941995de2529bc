package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldEventID   = "event_id"
	FieldIDm       = "idm"
	FieldMAC       = "mac"
	FieldClientID  = "client_id"
	FieldAttempt   = "attempt"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldPort      = "port"
	FieldState     = "state"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// IDm returns a slog attribute for a card identifier.
func IDm(idm string) slog.Attr {
	return slog.String(FieldIDm, idm)
}

// MAC returns a slog attribute for a reader hardware identifier.
func MAC(mac string) slog.Attr {
	return slog.String(FieldMAC, mac)
}

// ClientID returns a slog attribute for the configured client identifier.
func ClientID(id int64) slog.Attr {
	return slog.Int64(FieldClientID, id)
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Port returns a slog attribute for a serial port path.
func Port(path string) slog.Attr {
	return slog.String(FieldPort, path)
}

// State returns a slog attribute for a delivery loop state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}
