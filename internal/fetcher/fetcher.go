package fetcher

import (
	"context"

	"github.com/IshaanNene/forecourt/internal/types"
)

// Fetcher is the interface for page fetchers.
type Fetcher interface {
	// Fetch retrieves the content at the given request's URL. Failures are
	// returned as *types.FetchError.
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)

	// Close releases any resources held by the fetcher.
	Close() error
}
