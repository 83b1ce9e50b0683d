package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/progress-reconciler/internal/jsonid"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

var (
	// ErrMalformed is returned for payloads that are not a JSON object or
	// miss a required field.
	ErrMalformed = errors.New("malformed push message")
	// ErrUnknownMessage is returned for well-formed payloads of no known shape.
	ErrUnknownMessage = errors.New("unknown push message")
)

// Kind discriminates decoded push messages.
type Kind string

// Supported message kinds.
const (
	KindProgress     Kind = "progress"
	KindNotification Kind = "notification"
	KindStatus       Kind = "status"
	KindRefresh      Kind = "refresh"
	KindRemoved      Kind = "removed"
)

// Message is one decoded push payload.
type Message struct {
	Kind Kind

	// Progress and removal fields.
	JobID      string
	JobKind    progress.JobKind
	Total      *int64
	Processed  *int64
	Matched    *int64
	ETASeconds *float64
	Failed     bool

	// Status carries the raw status string of progress and status messages.
	Status string

	// Notification fields.
	NotificationID string
	Text           string

	// JobIDs lists refresh targets; empty means every tracked job.
	JobIDs []string

	// Data is the opaque payload of refresh and status messages.
	Data json.RawMessage
}

// Update converts a progress message into a push delta.
func (m Message) Update() progress.Update {
	u := progress.NewDelta(m.JobID).WithKind(m.JobKind)
	u.Total = m.Total
	u.Processed = m.Processed
	u.Matched = m.Matched
	u.ETASeconds = m.ETASeconds
	u.Failed = m.Failed
	return u
}

type envelope struct {
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	JobKind    string `json:"job_kind"`
	UpdateType string `json:"update_type"`

	ID              jsonid.ID `json:"id"`
	JobID           jsonid.ID `json:"job_id"`
	SourceID        jsonid.ID `json:"source_id"`
	AudienceID      jsonid.ID `json:"audience_id"`
	SmartAudienceID jsonid.ID `json:"smart_audience_id"`

	Total            *int64 `json:"total"`
	Processed        *int64 `json:"processed"`
	Matched          *int64 `json:"matched"`
	TotalRecords     *int64 `json:"total_records"`
	ProcessedRecords *int64 `json:"processed_records"`
	MatchedRecords   *int64 `json:"matched_records"`

	ValidationTotal     *int64 `json:"validation_total"`
	ValidationProcessed *int64 `json:"validation_processed"`
	ValidationMatched   *int64 `json:"validation_matched"`
	BuildTotal          *int64 `json:"build_total"`
	BuildProcessed      *int64 `json:"build_processed"`

	ETASeconds *float64 `json:"eta_seconds"`
	Status     string   `json:"status"`

	NotificationID   jsonid.ID `json:"notification_id"`
	NotificationText string    `json:"notification_text"`
	Text             string    `json:"message"`

	JobIDs []jsonid.ID     `json:"job_ids"`
	Data   json.RawMessage `json:"data"`
}

// Decode parses one push payload. An explicit "type" (or "kind") field picks
// the message kind; payloads without one are recognised by their fields.
func Decode(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	jobKind := env.jobKind()
	jobID := env.jobID(jobKind)
	kind, err := env.messageKind(jobID)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Kind: kind, JobID: jobID, JobKind: jobKind, Status: env.Status}
	switch kind {
	case KindProgress:
		if jobID == "" {
			return Message{}, fmt.Errorf("%w: progress message without job id", ErrMalformed)
		}
		env.fillCounters(&msg)
		msg.ETASeconds = env.ETASeconds
		msg.Failed = progress.FailureStatus(env.Status)
	case KindRemoved:
		if jobID == "" {
			return Message{}, fmt.Errorf("%w: removal without job id", ErrMalformed)
		}
	case KindRefresh:
		msg.Data = env.Data
		for _, id := range env.JobIDs {
			if id != "" {
				msg.JobIDs = append(msg.JobIDs, id.String())
			}
		}
		if jobID != "" {
			msg.JobIDs = append(msg.JobIDs, jobID)
		}
	case KindNotification:
		msg.NotificationID = env.NotificationID.String()
		msg.Text = env.NotificationText
		if msg.Text == "" {
			msg.Text = env.Text
		}
	case KindStatus:
		msg.Data = env.Data
	}
	return msg, nil
}

func (e envelope) messageKind(jobID string) (Kind, error) {
	for _, tag := range []string{e.Type, e.Kind} {
		switch k := Kind(strings.ToLower(strings.TrimSpace(tag))); k {
		case KindProgress, KindNotification, KindStatus, KindRefresh, KindRemoved:
			return k, nil
		case "":
		default:
			if tag == e.Type {
				return "", fmt.Errorf("%w: type %q", ErrUnknownMessage, tag)
			}
		}
	}
	switch {
	case jobID != "" && (e.hasCounters() || e.UpdateType != "" || e.Status != "" || e.ETASeconds != nil):
		return KindProgress, nil
	case e.NotificationID != "" || e.NotificationText != "":
		return KindNotification, nil
	case jobID == "" && len(e.Data) > 0:
		return KindRefresh, nil
	case jobID == "" && e.Status != "":
		return KindStatus, nil
	default:
		return "", ErrUnknownMessage
	}
}

func (e envelope) jobKind() progress.JobKind {
	for _, candidate := range []string{e.JobKind, e.Kind, e.UpdateType} {
		c := strings.ToLower(candidate)
		switch {
		case c == "":
		case strings.Contains(c, "validation"):
			return progress.KindAudienceValidation
		case strings.Contains(c, "build"):
			return progress.KindAudienceBuild
		case strings.Contains(c, "source"):
			return progress.KindSource
		}
	}
	if e.SmartAudienceID != "" || e.AudienceID != "" {
		switch {
		case e.ValidationTotal != nil || e.ValidationProcessed != nil:
			return progress.KindAudienceValidation
		case e.BuildTotal != nil || e.BuildProcessed != nil:
			return progress.KindAudienceBuild
		}
	}
	if e.SourceID != "" {
		return progress.KindSource
	}
	return ""
}

func (e envelope) jobID(kind progress.JobKind) string {
	switch kind {
	case progress.KindSource:
		return jsonid.First(e.SourceID, e.JobID, e.ID)
	case progress.KindAudienceValidation, progress.KindAudienceBuild:
		return jsonid.First(e.SmartAudienceID, e.AudienceID, e.JobID, e.ID)
	default:
		return jsonid.First(e.JobID, e.SourceID, e.SmartAudienceID, e.AudienceID, e.ID)
	}
}

func (e envelope) hasCounters() bool {
	for _, v := range []*int64{
		e.Total, e.Processed, e.Matched,
		e.TotalRecords, e.ProcessedRecords, e.MatchedRecords,
		e.ValidationTotal, e.ValidationProcessed, e.ValidationMatched,
		e.BuildTotal, e.BuildProcessed,
	} {
		if v != nil {
			return true
		}
	}
	return false
}

func (e envelope) fillCounters(msg *Message) {
	msg.Total = first(e.Total, e.TotalRecords)
	msg.Processed = first(e.Processed, e.ProcessedRecords)
	msg.Matched = first(e.Matched, e.MatchedRecords)
	switch msg.JobKind {
	case progress.KindAudienceValidation:
		msg.Total = first(msg.Total, e.ValidationTotal)
		msg.Processed = first(msg.Processed, e.ValidationProcessed)
		msg.Matched = first(msg.Matched, e.ValidationMatched)
	case progress.KindAudienceBuild:
		msg.Total = first(msg.Total, e.BuildTotal)
		msg.Processed = first(msg.Processed, e.BuildProcessed)
	}
}

func first(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
