package surge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/metrics"
	"git.home.luguber.info/inful/jobserv/internal/notify"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

const (
	// offlineThreshold marks a regular worker offline after missing four
	// 20-second check-ins.
	offlineThreshold = 80
	// surgeOfflineThreshold gives surges-only workers more slack; they
	// check in every 90 seconds.
	surgeOfflineThreshold = 120

	// pingLogRotateSize keeps roughly two days of check-ins per file.
	pingLogRotateSize = 1024 * 1024

	// antiFlapWindow keeps a surge flag alive after the queue drains so a
	// backlog hovering at the threshold does not flap notifications.
	antiFlapWindow = 300
)

// DefaultSupportRatio is how many queued runs one worker is assumed to
// absorb when sizing the non-surge capacity.
const DefaultSupportRatio = 3

// Monitor runs the two §4.7 passes on a fixed cadence.
type Monitor struct {
	store    *store.Store
	dir      *WorkerDir
	notifier notify.Notifier
	recorder metrics.Recorder
	clock    clockwork.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	ratio int
}

// SetRatio updates the surge support ratio; config hot-reload uses this.
func (m *Monitor) SetRatio(ratio int) {
	if ratio <= 0 {
		return
	}
	m.mu.Lock()
	m.ratio = ratio
	m.mu.Unlock()
}

func (m *Monitor) supportRatio() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratio
}

// NewMonitor wires a surge monitor. ratio <= 0 selects the default.
func NewMonitor(s *store.Store, dir *WorkerDir, n notify.Notifier, rec metrics.Recorder,
	clock clockwork.Clock, ratio int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if n == nil {
		n = notify.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ratio <= 0 {
		ratio = DefaultSupportRatio
	}
	return &Monitor{store: s, dir: dir, notifier: n, recorder: rec, clock: clock, ratio: ratio, logger: logger}
}

// Tick runs one monitor pass: worker liveness, then queue vs. capacity.
func (m *Monitor) Tick(ctx context.Context) error {
	if err := m.checkWorkers(ctx); err != nil {
		return err
	}
	return m.checkQueue(ctx)
}

// checkWorkers marks stale workers offline and rotates oversized ping logs.
func (m *Monitor) checkWorkers(ctx context.Context) error {
	workers, err := m.store.EnlistedWorkers(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	for _, w := range workers {
		path := m.dir.PingsLog(w.Name)
		st, err := os.Stat(path)
		if err != nil {
			// never checked in
			if w.Online {
				m.logger.Info("marking worker offline (no pings log)", logfields.Worker(w.Name))
				if err := m.store.SetWorkerOnline(ctx, w.Name, false); err != nil {
					return err
				}
			}
			continue
		}

		threshold := int64(offlineThreshold)
		if w.SurgesOnly {
			threshold = surgeOfflineThreshold
		}
		diff := now.Unix() - st.ModTime().Unix()
		if diff > threshold && w.Online {
			m.logger.Info("marking worker offline",
				logfields.Worker(w.Name), "seconds_since_checkin", diff)
			if err := m.store.SetWorkerOnline(ctx, w.Name, false); err != nil {
				return err
			}
		}

		if st.Size() > pingLogRotateSize {
			rotated := fmt.Sprintf("%s.%d", path, now.Unix())
			m.logger.Info("rotating pings log", logfields.Worker(w.Name), logfields.Path(rotated))
			if err := os.Rename(path, rotated); err != nil {
				return fmt.Errorf("rotate pings log: %w", err)
			}
			// recreate empty with the old mtime so the next pass does not
			// spuriously mark the worker offline
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE, 0o640)
			if err != nil {
				return fmt.Errorf("recreate pings log: %w", err)
			}
			_ = f.Close()
			if err := os.Chtimes(path, st.ModTime(), st.ModTime()); err != nil {
				return fmt.Errorf("restore pings log mtime: %w", err)
			}
		}
	}
	return nil
}

// checkQueue sizes the non-surge capacity against the QUEUED backlog per tag
// and transitions surge flags with anti-flap hysteresis.
func (m *Monitor) checkQueue(ctx context.Context) error {
	tags, err := m.store.QueuedRunTags(ctx)
	if err != nil {
		return err
	}

	depth := map[string]int{}
	for _, tag := range tags {
		depth[tag]++
	}
	for tag, n := range depth {
		m.recorder.SetQueueDepth(tag, n)
	}

	surging, err := m.unassignedTags(ctx, tags)
	if err != nil {
		return err
	}

	// clear flags for tags no longer surging, unless inside the anti-flap
	// window
	prev, err := m.dir.ActiveTags()
	if err != nil {
		return err
	}
	now := m.clock.Now()
	for _, tag := range prev {
		if _, still := surging[tag]; still {
			continue
		}
		st, err := os.Stat(m.dir.FlagPath(tag))
		if err == nil && now.Unix()-st.ModTime().Unix() < antiFlapWindow {
			continue
		}
		priorID, _ := m.dir.ReadFlag(tag)
		m.logger.Info("exiting surge support", logfields.HostTag(tag))
		if err := m.dir.RemoveFlag(tag); err != nil {
			return fmt.Errorf("remove surge flag: %w", err)
		}
		m.recorder.SetSurgeActive(tag, false)
		if err := m.notifier.SurgeEnded(ctx, tag, priorID); err != nil {
			m.logger.Warn("surge-ended notification failed", logfields.HostTag(tag), logfields.Err(err))
		}
	}

	// raise flags for newly surging tags
	for tag, count := range surging {
		if m.dir.Active(tag) {
			continue
		}
		m.logger.Info("entering surge support", logfields.HostTag(tag), logfields.Count(count))
		id, err := m.notifier.SurgeStarted(ctx, tag)
		if err != nil {
			m.logger.Warn("surge-started notification failed", logfields.HostTag(tag), logfields.Err(err))
		}
		if err := m.dir.WriteFlag(tag, id); err != nil {
			return fmt.Errorf("write surge flag: %w", err)
		}
		m.recorder.SetSurgeActive(tag, true)
	}
	return nil
}

// unassignedTags round-robins the queued runs onto the non-surge worker
// slot table and returns the tags with residual unassigned runs.
func (m *Monitor) unassignedTags(ctx context.Context, queuedTags []string) (map[string]int, error) {
	workers, err := m.store.EnlistedWorkers(ctx)
	if err != nil {
		return nil, err
	}

	type host struct {
		slots int
		tags  map[string]bool
	}
	ratio := m.supportRatio()
	hosts := map[string]*host{}
	var order []string
	for _, w := range workers {
		if !w.Online || w.SurgesOnly {
			continue
		}
		h := &host{slots: ratio, tags: map[string]bool{}}
		for _, t := range w.Tags() {
			h.tags[t] = true
		}
		hosts[w.Name] = h
		order = append(order, w.Name)
	}

	type queued struct {
		tag     string
		claimed bool
	}
	queue := make([]*queued, len(queuedTags))
	for i, tag := range queuedTags {
		queue[i] = &queued{tag: tag}
	}

	// round-robin: each host takes one run per lap so load spreads before
	// any host fills up
	for matched := true; matched; {
		matched = false
		for _, name := range order {
			h, ok := hosts[name]
			if !ok || h.slots == 0 {
				continue
			}
			for _, q := range queue {
				if q.claimed || !h.tags[q.tag] {
					continue
				}
				q.claimed = true
				h.slots--
				if h.slots == 0 {
					delete(hosts, name)
				}
				matched = true
				break
			}
		}
	}

	surging := map[string]int{}
	for _, q := range queue {
		if !q.claimed {
			surging[q.tag]++
		}
	}
	return surging, nil
}
