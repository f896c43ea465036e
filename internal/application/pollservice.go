// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// refreshRequest represents a manual poll trigger.
type refreshRequest struct {
	done chan error
}

// CycleStatus is the observable outcome of the most recent poll cycle,
// surfaced through the status endpoint.
type CycleStatus struct {
	Time           time.Time
	Success        bool
	Entries        int
	DeviceStatuses int
	Error          string
}

// PollService orchestrates the acquisition pipeline: fetch a telemetry
// snapshot, transform it, suppress already-delivered records, and upload the
// remainder. Exactly one cycle is in flight at a time.
type PollService struct {
	source    driven.TelemetrySource
	uploader  driven.Uploader
	transform *Transformer
	interval  time.Duration
	refreshCh chan refreshRequest

	entryFilter  *RecencyFilter[model.Entry]
	statusFilter *RecencyFilter[model.DeviceStatus]

	mu   sync.RWMutex
	last CycleStatus
}

// NewPollService creates a PollService with all required dependencies.
// serial is the optional pump serial hint forwarded to the transform stage.
func NewPollService(source driven.TelemetrySource, uploader driven.Uploader, serial string, interval time.Duration) *PollService {
	return &PollService{
		source:    source,
		uploader:  uploader,
		transform: NewTransformer(serial),
		interval:  interval,
		refreshCh: make(chan refreshRequest),
		entryFilter: NewRecencyFilter(func(e model.Entry) int64 {
			return e.Date
		}),
		statusFilter: NewRecencyFilter(func(s model.DeviceStatus) int64 {
			return s.UpdatedMs
		}),
	}
}

// Start begins the polling loop: an immediate cycle, then one per interval,
// plus manual triggers. A failed cycle is logged and never terminates the
// loop, with one exception: authentication failure on the very first cycle
// means the process has no credentials and no way to obtain them, which is
// fatal. Start blocks until the context is canceled.
func (s *PollService) Start(ctx context.Context) error {
	if err := s.cycle(ctx); err != nil {
		if errors.Is(err, driven.ErrNotAuthenticated) {
			return fmt.Errorf("startup authentication failed: %w", err)
		}
		slog.Error("initial poll cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll service stopped")
			return nil
		case <-ticker.C:
			if err := s.cycle(ctx); err != nil {
				slog.Error("poll cycle failed", "error", err)
			}
		case req := <-s.refreshCh:
			req.done <- s.cycle(ctx)
		}
	}
}

// RefreshNow triggers an immediate poll cycle, bypassing the interval. It
// blocks until the cycle completes or the context is canceled.
func (s *PollService) RefreshNow(ctx context.Context) error {
	done := make(chan error, 1)

	select {
	case s.refreshCh <- refreshRequest{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastCycle returns the outcome of the most recent poll cycle.
func (s *PollService) LastCycle() CycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// cycle runs one fetch/transform/filter/upload pass.
func (s *PollService) cycle(ctx context.Context) error {
	start := time.Now()

	snapshot, err := s.source.Fetch(ctx)
	if err != nil {
		s.record(start, 0, 0, err)
		return err
	}

	if snapshot.Empty() {
		slog.Info("poll cycle complete", "entries", 0, "device_statuses", 0, "note", "no recent upload")
		s.record(start, 0, 0, nil)
		return nil
	}

	// Watermarks advance only after the upload is confirmed, so a transient
	// downstream failure leaves the batch eligible for the next cycle.
	entries := s.entryFilter.Fresh(s.transform.Entries(snapshot))
	if err := s.uploader.UploadEntries(ctx, entries); err != nil {
		err = fmt.Errorf("uploading entries: %w", err)
		s.record(start, 0, 0, err)
		return err
	}
	s.entryFilter.Advance(entries)

	var statuses int
	if ds := s.transform.DeviceStatus(snapshot); ds != nil {
		fresh := s.statusFilter.Fresh([]model.DeviceStatus{*ds})
		if len(fresh) == 1 {
			if err := s.uploader.UploadDeviceStatus(ctx, &fresh[0]); err != nil {
				err = fmt.Errorf("uploading device status: %w", err)
				s.record(start, len(entries), 0, err)
				return err
			}
			s.statusFilter.Advance(fresh)
			statuses = 1
		}
	}

	s.record(start, len(entries), statuses, nil)

	slog.Info("poll cycle complete",
		"entries", len(entries),
		"device_statuses", statuses,
		"last_device_update", snapshot.LastDeviceUpdate(),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return nil
}

func (s *PollService) record(at time.Time, entries, statuses int, err error) {
	status := CycleStatus{
		Time:           at,
		Success:        err == nil,
		Entries:        entries,
		DeviceStatuses: statuses,
	}
	if err != nil {
		status.Error = err.Error()
	}

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
}
