package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every component.
const (
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldSourceID   = "source_id"
	FieldSourceType = "source_type"
	FieldEnvelopeID = "envelope_id"
	FieldRecipient  = "recipient"
	FieldStatus     = "status"
	FieldBucket     = "bucket"
	FieldDuration   = "duration_ms"
	FieldCount      = "count"
	FieldError      = "error"
)

func SourceID(id string) slog.Attr {
	return slog.String(FieldSourceID, id)
}

func SourceType(t string) slog.Attr {
	return slog.String(FieldSourceType, t)
}

func EnvelopeID(id string) slog.Attr {
	return slog.String(FieldEnvelopeID, id)
}

func Recipient(r string) slog.Attr {
	return slog.String(FieldRecipient, r)
}

func Status(s string) slog.Attr {
	return slog.String(FieldStatus, s)
}

func Bucket(name string) slog.Attr {
	return slog.String(FieldBucket, name)
}

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Error returns the error attribute. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
