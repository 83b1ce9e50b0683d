package progress

import "time"

// Outcome describes what Merge did with an Update.
type Outcome string

// Merge outcomes. Only Created, Updated and Terminated are worth telling
// consumers about.
const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeTerminated Outcome = "terminated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeAbsorbed   Outcome = "absorbed"
	// OutcomeRemoved marks an update for a job that was explicitly removed
	// within the retention window. The engine drops it.
	OutcomeRemoved Outcome = "removed"
)

// Notify reports whether the outcome changes what consumers can observe.
func (o Outcome) Notify() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeTerminated:
		return true
	default:
		return false
	}
}

// Merge folds in into current and returns the next record. current may be
// nil when the job has never been reported. Merge never mutates current and
// is safe to call from any goroutine.
//
// Counters only move forward: processed and matched take the larger of the
// stored and incoming values regardless of channel or arrival order. The poll
// channel is authoritative on total; a pushed total is only adopted while no
// total is known. Terminal records absorb every further update.
func Merge(current *JobProgress, in Update, now time.Time) (JobProgress, Outcome) {
	if current != nil && current.Status.Terminal() {
		return *current, OutcomeAbsorbed
	}

	var next JobProgress
	if current != nil {
		next = *current
	} else {
		next = JobProgress{JobID: in.JobID, Status: StatusPending}
	}

	if in.Processed != nil && *in.Processed > next.Processed {
		next.Processed = *in.Processed
	}
	if in.Matched != nil && (next.Matched == nil || *in.Matched > *next.Matched) {
		next.Matched = Int64(*in.Matched)
	}
	if in.Total != nil {
		switch {
		case in.Channel == ChannelPoll:
			next.Total = Int64(*in.Total)
		case next.Total == nil:
			next.Total = Int64(*in.Total)
		}
	}
	if in.ETASeconds != nil {
		eta := *in.ETASeconds
		next.ETASeconds = &eta
	}
	if next.Kind == "" {
		next.Kind = in.Kind
	}

	zeroConfirmed := in.Channel == ChannelPoll && in.Total != nil && *in.Total == 0
	next.Status = deriveStatus(next, in.Failed, zeroConfirmed)
	next.source = in.Channel
	if now.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = now
	}
	if next.Status.Terminal() {
		next.TerminalAt = next.LastUpdatedAt
	}

	switch {
	case current == nil:
		return next, OutcomeCreated
	case next.Status.Terminal():
		return next, OutcomeTerminated
	case observablyChanged(*current, next):
		return next, OutcomeUpdated
	default:
		return next, OutcomeUnchanged
	}
}

func deriveStatus(p JobProgress, failed, zeroConfirmed bool) Status {
	switch {
	case failed:
		return StatusFailed
	case p.Total != nil && *p.Total > 0 && p.Processed >= *p.Total:
		return StatusComplete
	case zeroConfirmed:
		return StatusComplete
	case p.Processed > 0 || (p.Matched != nil && *p.Matched > 0):
		return StatusProcessing
	default:
		return StatusPending
	}
}

// observablyChanged compares the fields consumers render. ETA and kind are
// excluded so that ETA jitter alone does not wake subscribers.
func observablyChanged(prev, next JobProgress) bool {
	return prev.Processed != next.Processed ||
		prev.Status != next.Status ||
		!equalInt64(prev.Total, next.Total) ||
		!equalInt64(prev.Matched, next.Matched)
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
