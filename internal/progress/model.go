package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidUpdate is returned when an Update fails validation.
var ErrInvalidUpdate = errors.New("invalid progress update")

// Status is the derived lifecycle state of a job.
type Status string

// Supported job statuses. StatusUnknown is never stored on a record; it is
// what consumers show before any channel has reported the job.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Terminal reports whether no further updates may be merged.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// FailureStatus reports whether a backend status string signals failure.
// Other statuses carry no meaning beyond the counts that accompany them.
func FailureStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "failure", "error", "errored":
		return true
	default:
		return false
	}
}

// Channel names the stream an update arrived on.
type Channel string

// Supported update channels.
const (
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
)

// Form distinguishes partial deltas from full snapshots.
type Form string

// Supported update forms.
const (
	FormDelta    Form = "delta"
	FormSnapshot Form = "snapshot"
)

// JobKind labels the backend workload a job belongs to.
type JobKind string

// Known job kinds.
const (
	KindSource             JobKind = "source"
	KindAudienceValidation JobKind = "audience_validation"
	KindAudienceBuild      JobKind = "audience_build"
)

// JobProgress is the merged view of one job.
type JobProgress struct {
	// JobID is the opaque backend identifier, stable for the job's lifetime.
	JobID string `json:"job_id"`
	// Kind is informational; the first non-empty kind reported sticks.
	Kind JobKind `json:"kind,omitempty"`
	// Total is nil until some channel reports it.
	Total *int64 `json:"total,omitempty"`
	// Processed never decreases.
	Processed int64 `json:"processed"`
	// Matched never decreases once observed.
	Matched *int64 `json:"matched,omitempty"`
	// ETASeconds is volatile; the latest reported value wins.
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	Status     Status   `json:"status"`
	// LastUpdatedAt is the local time of the last accepted update.
	LastUpdatedAt time.Time `json:"last_updated_at"`
	// TerminalAt is set once, when the job reaches a terminal status.
	TerminalAt time.Time `json:"terminal_at,omitzero"`

	source Channel
}

// StatusOf returns the status of p, or StatusUnknown when p is nil.
func StatusOf(p *JobProgress) Status {
	if p == nil {
		return StatusUnknown
	}
	return p.Status
}

// Update is a candidate change to a job from either channel. Nil fields mean
// the message did not carry that value.
type Update struct {
	JobID      string
	Channel    Channel
	Form       Form
	Kind       JobKind
	Total      *int64
	Processed  *int64
	Matched    *int64
	ETASeconds *float64
	// Failed is an explicit failure signal from the backend.
	Failed bool
}

// NewDelta starts a push-channel delta for jobID.
func NewDelta(jobID string) Update {
	return Update{JobID: jobID, Channel: ChannelPush, Form: FormDelta}
}

// NewSnapshot starts a poll-channel snapshot for jobID.
func NewSnapshot(jobID string) Update {
	return Update{JobID: jobID, Channel: ChannelPoll, Form: FormSnapshot}
}

// WithTotal returns a copy of u carrying total.
func (u Update) WithTotal(total int64) Update {
	u.Total = Int64(total)
	return u
}

// WithProcessed returns a copy of u carrying processed.
func (u Update) WithProcessed(processed int64) Update {
	u.Processed = Int64(processed)
	return u
}

// WithMatched returns a copy of u carrying matched.
func (u Update) WithMatched(matched int64) Update {
	u.Matched = Int64(matched)
	return u
}

// WithETA returns a copy of u carrying an ETA in seconds.
func (u Update) WithETA(seconds float64) Update {
	u.ETASeconds = &seconds
	return u
}

// WithKind returns a copy of u labelled with kind.
func (u Update) WithKind(kind JobKind) Update {
	u.Kind = kind
	return u
}

// AsFailed returns a copy of u carrying the failure signal.
func (u Update) AsFailed() Update {
	u.Failed = true
	return u
}

// Validate performs coarse validation on Update payloads.
func (u Update) Validate() error {
	if u.JobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidUpdate)
	}
	switch u.Channel {
	case ChannelPush, ChannelPoll:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidUpdate, u.Channel)
	}
	switch u.Form {
	case FormDelta, FormSnapshot:
	default:
		return fmt.Errorf("%w: unknown form %q", ErrInvalidUpdate, u.Form)
	}
	for name, v := range map[string]*int64{"total": u.Total, "processed": u.Processed, "matched": u.Matched} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidUpdate, name)
		}
	}
	if u.ETASeconds != nil && *u.ETASeconds < 0 {
		return fmt.Errorf("%w: eta_seconds must be >= 0", ErrInvalidUpdate)
	}
	return nil
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
