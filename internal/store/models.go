package store

import (
	"strings"
	"time"

	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

// Project owns an ordered sequence of builds and a set of triggers.
type Project struct {
	ID                int64
	Name              string
	SynchronousBuilds bool
}

// Trigger is a stored project trigger. Secrets holds the sealed ciphertext;
// the vault in internal/secrets is the only reader.
type Trigger struct {
	ID             int64
	ProjectID      int64
	ProjectName    string
	Type           pipeline.TriggerType
	User           string
	DefinitionRepo string
	DefinitionFile string
	Secrets        []byte
	QueuePriority  int
}

// Build is one instantiation of a project pipeline.
type Build struct {
	ID          int64
	ProjectID   int64
	ProjectName string
	BuildID     int
	Status      status.Status
	Reason      string
	TriggerName string
	Name        string
	Annotation  string
}

// Complete reports whether the build reached a terminal status.
func (b *Build) Complete() bool { return b.Status.Terminal() }

// Run is a single container execution on a worker.
type Run struct {
	ID            int64
	BuildRef      int64
	Name          string
	Status        status.Status
	APIKey        string
	TriggerName   string
	HostTag       string
	QueuePriority int
	WorkerName    string
	Meta          string
}

// Complete reports whether the run reached a terminal status.
func (r *Run) Complete() bool { return r.Status.Terminal() }

// StatusEvent is one append-only status transition of a build or run.
type StatusEvent struct {
	Status status.Status
	Time   time.Time
}

// Test groups TestResults scraped from a run's console.
type Test struct {
	ID      int64
	RunRef  int64
	Name    string
	Context string
	Status  status.Status
	Created time.Time
}

// TestResult is one test-grepping outcome line.
type TestResult struct {
	ID      int64
	TestRef int64
	Name    string
	Context string
	Status  status.Status
	Output  string
}

// Complete reports whether the result reached a terminal status.
func (r *TestResult) Complete() bool { return r.Status.Terminal() }

// Worker is a polling executor host. APIKey holds a bcrypt hash, never the
// plain token.
type Worker struct {
	Name           string
	Distro         string
	MemTotal       int64
	CPUTotal       int
	CPUType        string
	APIKey         string
	ConcurrentRuns int
	HostTags       string
	Enlisted       bool
	Online         bool
	SurgesOnly     bool
	Deleted        bool
}

// Tags splits the comma-separated host tag list.
func (w *Worker) Tags() []string {
	var out []string
	for _, t := range strings.Split(w.HostTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
