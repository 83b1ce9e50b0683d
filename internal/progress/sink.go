package progress

import (
	"context"
	"time"
)

// Sink consumes batches of record changes. Implementations must honor ctx
// deadlines. The engine calls Consume from a single goroutine, in order.
type Sink interface {
	Consume(ctx context.Context, batch []Change) error
	Close(ctx context.Context) error
}

// Pinner reports jobs that must survive the retention sweep, typically
// because someone is still watching them.
type Pinner interface {
	Pinned(jobID string) bool
}

// Clock supplies the local time stamped on accepted updates.
type Clock interface {
	Now() time.Time
}
