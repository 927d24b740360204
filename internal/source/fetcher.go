package source

import (
	"context"
	"errors"
	"io"
)

// ErrSourceUnavailable indicates the source object is missing, expired, or
// unauthorized. The batch fails with SOURCE_UNAVAILABLE and no rows are
// written.
var ErrSourceUnavailable = errors.New("source object unavailable")

// Fetcher opens a bounded-memory readable stream for a batch's source
// object. Implementations must never materialize the object: consumption
// cost is O(1) additional memory per byte read.
type Fetcher interface {
	Open(ctx context.Context, pointer string) (io.ReadCloser, error)
}
