// Package urls centralizes the API and frontend URL formats handed to
// workers and notifications.
package urls

import (
	"fmt"
	"strings"
)

// Builder renders build/run URLs. BuildFmt and RunFmt optionally point at a
// custom web frontend ({project}, {build}, {run} placeholders); when empty,
// API URLs are used.
type Builder struct {
	// Public is the externally reachable base URL of the API,
	// e.g. https://api.ci.example.com
	Public string

	BuildFmt string
	RunFmt   string
}

func (b Builder) api(path string, args ...any) string {
	return strings.TrimRight(b.Public, "/") + fmt.Sprintf(path, args...)
}

// BuildAPI returns the API URL of a build.
func (b Builder) BuildAPI(project string, buildID int) string {
	return b.api("/projects/%s/builds/%d/", project, buildID)
}

// RunAPI returns the API URL of a run; this is also the run-update ingress.
func (b Builder) RunAPI(project string, buildID int, run string) string {
	return b.api("/projects/%s/builds/%d/runs/%s/", project, buildID, run)
}

// RunArtifact returns the API URL of one run artifact.
func (b Builder) RunArtifact(project string, buildID int, run, path string) string {
	return b.api("/projects/%s/builds/%d/runs/%s/%s", project, buildID, run, path)
}

// BuildFrontend returns the user-facing build URL.
func (b Builder) BuildFrontend(project string, buildID int) string {
	if b.BuildFmt == "" {
		return b.BuildAPI(project, buildID)
	}
	return expand(b.BuildFmt, project, buildID, "")
}

// RunFrontend returns the user-facing run URL.
func (b Builder) RunFrontend(project string, buildID int, run string) string {
	if b.RunFmt == "" {
		return b.RunArtifact(project, buildID, run, "console.log")
	}
	return expand(b.RunFmt, project, buildID, run)
}

func expand(format, project string, buildID int, run string) string {
	r := strings.NewReplacer(
		"{project}", project,
		"{build}", fmt.Sprintf("%d", buildID),
		"{run}", run,
	)
	return r.Replace(format)
}
