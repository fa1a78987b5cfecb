package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"himan-converter/internal/outbox"
	"himan-converter/internal/shared/telemetry"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode notice"
	}
	return "decode notice: " + e.Err.Error()
}

// ErrMissingConversionID indicates a notice without a conversion id.
type ErrMissingConversionID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingConversionID) Error() string { return "missing conversion id" }

// ErrUnsupportedVersion indicates a notice written by a newer producer.
type ErrUnsupportedVersion struct {
	Meta    MessageMeta
	Version int
}

func (e ErrUnsupportedVersion) Error() string { return "unsupported notice version" }

// ErrDeliver indicates delivery failed after successful parsing.
type ErrDeliver struct {
	ConversionID string
	RequestID    string
	Err          error
}

func (e ErrDeliver) Error() string {
	if e.Err == nil {
		return "deliver notice"
	}
	return "deliver notice: " + e.Err.Error()
}

// Deliverer hands a parsed notice to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, notice outbox.Notice) error
}

// LogDeliverer records the notice as delivered. Nothing leaves the process.
type LogDeliverer struct{}

// Deliver logs the notice.
func (LogDeliverer) Deliver(ctx context.Context, notice outbox.Notice) error {
	telemetry.Info("outbox.delivered", map[string]any{
		"request_id":     notice.RequestID,
		"conversion_id":  notice.ConversionID,
		"recipient":      notice.Recipient,
		"converted_name": notice.ConvertedName,
		"enqueued_at":    notice.EnqueuedAt,
		"transport":      "simulated",
	})
	return nil
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (outbox.Notice, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return outbox.Notice{}, meta, ErrEmptyBody{Meta: meta}
	}

	notice, err := outbox.DecodeNotice([]byte(body))
	if err != nil {
		return outbox.Notice{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if notice.Version > outbox.NoticeVersion {
		return notice, meta, ErrUnsupportedVersion{Meta: meta, Version: notice.Version}
	}
	if strings.TrimSpace(notice.ConversionID) == "" {
		return notice, meta, ErrMissingConversionID{Meta: meta, RequestID: notice.RequestID}
	}
	return notice, meta, nil
}

// HandleMessage parses, validates, and delivers a message payload.
func HandleMessage(ctx context.Context, deliverer Deliverer, body string) error {
	if deliverer == nil {
		return errors.New("deliverer not configured")
	}

	notice, _, err := ParseMessage(body)
	if err != nil {
		return err
	}

	if err := deliverer.Deliver(ctx, notice); err != nil {
		return ErrDeliver{ConversionID: notice.ConversionID, RequestID: notice.RequestID, Err: err}
	}
	return nil
}
