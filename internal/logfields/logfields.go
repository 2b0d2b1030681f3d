// Package logfields provides canonical log field names and helpers for
// structured logging in JobServ.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// These are used for structured logging with slog.
const (
	KeyProject    = "project"
	KeyBuild      = "build"
	KeyRun        = "run"
	KeyTrigger    = "trigger"
	KeyWorker     = "worker"
	KeyHostTag    = "host_tag"
	KeyStatus     = "status"
	KeyPriority   = "queue_priority"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyPath       = "path"
	KeyMethod     = "method"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyHTTPStatus = "http_status"
	KeyCount      = "count"
	KeyURL        = "url"
)

func Project(name string) slog.Attr   { return slog.String(KeyProject, name) }   // Project returns a slog.Attr for a project name.
func Build(id int) slog.Attr          { return slog.Int(KeyBuild, id) }          // Build returns a slog.Attr for a build id.
func Run(name string) slog.Attr       { return slog.String(KeyRun, name) }       // Run returns a slog.Attr for a run name.
func Trigger(name string) slog.Attr   { return slog.String(KeyTrigger, name) }   // Trigger returns a slog.Attr for a trigger name.
func Worker(name string) slog.Attr    { return slog.String(KeyWorker, name) }    // Worker returns a slog.Attr for a worker name.
func HostTag(tag string) slog.Attr    { return slog.String(KeyHostTag, tag) }    // HostTag returns a slog.Attr for a host tag.
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }       // Status returns a slog.Attr for a status name.
func Priority(p int) slog.Attr        { return slog.Int(KeyPriority, p) }        // Priority returns a slog.Attr for a queue priority.
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) } // DurationMS returns a slog.Attr for duration in ms.

// Err returns a slog.Attr for an error value, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Path returns a slog.Attr for a file or URL path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Method returns a slog.Attr for an HTTP method.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// UserAgent returns a slog.Attr for an HTTP user agent.
func UserAgent(ua string) slog.Attr { return slog.String(KeyUserAgent, ua) }

// RemoteAddr returns a slog.Attr for a client address.
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }

// HTTPStatus returns a slog.Attr for an HTTP response code.
func HTTPStatus(code int) slog.Attr { return slog.Int(KeyHTTPStatus, code) }

// Count returns a slog.Attr for a generic count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// URL returns a slog.Attr for a URL.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }
