// Package surge tracks worker liveness and queue pressure, toggling per-tag
// surge flags that activate reserve workers.
package surge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// surgeFlagBase prefixes per-tag surge flag files in the worker state dir.
const surgeFlagBase = "enable_surge"

// WorkerDir is the on-disk worker state: per-worker ping logs and the
// per-tag surge flag files the dispatcher consults.
type WorkerDir struct {
	root string
}

// NewWorkerDir creates the state directory.
func NewWorkerDir(root string) (*WorkerDir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	return &WorkerDir{root: root}, nil
}

// PingsLog returns the path of a worker's check-in log.
func (d *WorkerDir) PingsLog(worker string) string {
	return filepath.Join(d.root, worker, "pings.log")
}

// Ping appends one check-in line with the worker's reported key=value pairs.
func (d *WorkerDir) Ping(worker string, now time.Time, values map[string]string) error {
	path := d.PingsLog(worker)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open pings log: %w", err)
	}
	defer f.Close()

	var pairs []string
	for k, v := range values {
		pairs = append(pairs, k+"="+v)
	}
	_, err = fmt.Fprintf(f, "%d: %s\n", now.Unix(), strings.Join(pairs, ","))
	return err
}

// FlagPath returns the surge flag file for a tag.
func (d *WorkerDir) FlagPath(tag string) string {
	return filepath.Join(d.root, surgeFlagBase+"-"+tag)
}

// Active reports whether a tag's surge flag exists. This is what makes
// surges-only workers eligible for dispatch.
func (d *WorkerDir) Active(tag string) bool {
	_, err := os.Stat(d.FlagPath(tag))
	return err == nil
}

// ActiveTags lists every tag with a surge flag.
func (d *WorkerDir) ActiveTags() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read worker dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if name := e.Name(); strings.HasPrefix(name, surgeFlagBase+"-") {
			out = append(out, name[len(surgeFlagBase)+1:])
		}
	}
	return out, nil
}

// WriteFlag creates a tag's surge flag holding the notification id.
func (d *WorkerDir) WriteFlag(tag, notificationID string) error {
	return os.WriteFile(d.FlagPath(tag), []byte(notificationID), 0o640)
}

// ReadFlag returns the notification id stored in a tag's surge flag.
func (d *WorkerDir) ReadFlag(tag string) (string, error) {
	data, err := os.ReadFile(d.FlagPath(tag))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// RemoveFlag deletes a tag's surge flag.
func (d *WorkerDir) RemoveFlag(tag string) error {
	return os.Remove(d.FlagPath(tag))
}
