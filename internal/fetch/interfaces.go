package fetch

import (
	"context"
	"time"
)

// Navigator renders a URL in a browser tab and returns the resulting page.
// The settle delay is applied after load so client-side rendering can finish.
type Navigator interface {
	Navigate(ctx context.Context, url string, settle time.Duration) (Page, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
