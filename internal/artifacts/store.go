// Package artifacts is the object-store capability the core consumes: the
// per-build project definition, per-run run-definitions and console logs,
// worker-uploaded artifacts, and the git poller's ref cache.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RunRef locates a run's artifact namespace without dragging in the store's
// models.
type RunRef struct {
	Project string
	BuildID int
	Run     string
}

// Path returns "<project>/<build_id>/<run>/<rel>"; rel may be empty.
func (r RunRef) Path(rel string) string {
	base := fmt.Sprintf("%s/%d/%s", r.Project, r.BuildID, r.Run)
	if rel == "" {
		return base
	}
	if rel[0] == '/' {
		rel = rel[1:]
	}
	return base + "/" + rel
}

// BuildRef locates a build's artifact namespace.
type BuildRef struct {
	Project string
	BuildID int
}

// DefinitionPath returns the stored project.yml path for a build.
func (b BuildRef) DefinitionPath() string {
	return fmt.Sprintf("%s/%d/project.yml", b.Project, b.BuildID)
}

// RunDefName is the reserved run-definition object name; it is hidden from
// artifact listings.
const RunDefName = ".rundef.json"

// SignedURL is a pre-authorized upload target returned to a worker.
type SignedURL struct {
	URL         string `json:"url"`
	ContentType string `json:"content-type"`
}

// Store is the narrow object capability the core requires. Implementations
// must be safe for concurrent use.
type Store interface {
	PutString(ctx context.Context, path string, data []byte) error
	PutFile(ctx context.Context, path, localPath, contentType string) error
	GetString(ctx context.Context, path string) ([]byte, error)

	// List yields run-relative artifact paths under the run, excluding the
	// run-definition object.
	List(ctx context.Context, run RunRef) ([]string, error)

	// PutURL returns a signed upload URL for one artifact path.
	PutURL(run RunRef, rel string, expiration time.Duration, contentType string) (SignedURL, error)

	// ConsoleOpen returns a handle on the run's active local console file.
	// Mode "a" appends (creating as needed), "r" reads.
	ConsoleOpen(run RunRef, mode string) (io.ReadWriteCloser, error)

	// ConsoleSize reports the current size of the active console, 0 when
	// absent.
	ConsoleSize(run RunRef) int64

	// ConsoleFinalize copies the local console into the artifact store and
	// removes the local file.
	ConsoleFinalize(ctx context.Context, run RunRef) error

	// GitPollerCache runs fn over the poller's ref cache, persisting the
	// (possibly mutated) mapping afterwards. The single poller is the only
	// caller, so the implicit lock is the method itself.
	GitPollerCache(ctx context.Context, fn func(cache map[string]map[string]string) error) error
}
