// Package fetcher retrieves dependency artifact bytes from their source:
// the coordinator's artifact endpoint, or an external S3-compatible store
// when the dependency spec carries an s3:// URI.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// Fetcher streams the bytes of one dependency artifact. The caller owns the
// returned reader and is responsible for hash verification; fetchers only
// move bytes.
type Fetcher interface {
	Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error)
}

// CoordinatorFetcher fetches artifacts through the coordinator API.
type CoordinatorFetcher struct {
	client coordinator.Client
}

func NewCoordinatorFetcher(client coordinator.Client) *CoordinatorFetcher {
	return &CoordinatorFetcher{client: client}
}

func (f *CoordinatorFetcher) Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error) {
	return f.client.FetchDependency(ctx, spec.Hash)
}

// Router dispatches each dependency to the backend its URI selects:
// s3:// URIs go to the S3 fetcher when one is configured, everything else to
// the coordinator.
type Router struct {
	coordinator Fetcher
	s3          Fetcher
}

func NewRouter(coordinatorFetcher, s3Fetcher Fetcher) *Router {
	return &Router{coordinator: coordinatorFetcher, s3: s3Fetcher}
}

func (r *Router) Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(spec.URI, "s3://") {
		if r.s3 == nil {
			return nil, 0, fmt.Errorf("dependency %s requires s3 but no s3 fetcher is configured", spec.Hash)
		}
		return r.s3.Fetch(ctx, spec)
	}
	return r.coordinator.Fetch(ctx, spec)
}
