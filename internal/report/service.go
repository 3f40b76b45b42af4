package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/events"
	"recall_pipeline/internal/logger"
)

// ErrInvalidWindow is returned when the end date precedes the start date.
var ErrInvalidWindow = errors.New("end date before start date")

// VersionLoader reads the current table version.
type VersionLoader interface {
	CurrentVersion(ctx context.Context) (*calls.Version, error)
}

// Service answers report requests against the current table version. It holds the loaded
// version until a newer one is published.
type Service struct {
	loader    VersionLoader
	rangeDays int
	now       func() time.Time

	mu      sync.RWMutex
	current *calls.Version
	gen     uint64
}

// NewService builds a report service; rangeDays sizes the default window.
func NewService(loader VersionLoader, rangeDays int) *Service {
	return &Service{loader: loader, rangeDays: rangeDays, now: func() time.Time { return time.Now().UTC() }}
}

// Watch drops the cached version whenever a new one is published.
func (s *Service) Watch(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if pub, ok := ev.(events.VersionPublished); ok {
					logger.Debug("report cache invalidated", zap.String("version", pub.VersionID))
					s.Invalidate()
				}
			}
		}
	}()
}

// Invalidate forgets the cached version.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.gen++
	s.mu.Unlock()
}

// Version returns the current table version, loading it on first use. A load that
// overlaps an Invalidate is returned to its caller but not cached.
func (s *Service) Version(ctx context.Context) (*calls.Version, error) {
	s.mu.RLock()
	v, gen := s.current, s.gen
	s.mu.RUnlock()
	if v != nil {
		return v, nil
	}
	v, err := s.loader.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, calls.ErrNoData
	}
	s.mu.Lock()
	if s.gen == gen {
		s.current = v
	}
	s.mu.Unlock()
	return v, nil
}

// Window fills in missing dates with the default window of v.
func (s *Service) Window(v *calls.Version, start, end *time.Time) (time.Time, time.Time) {
	defStart, defEnd := DefaultWindow(v.Records, s.now(), s.rangeDays)
	if start != nil {
		defStart = *start
	}
	if end != nil {
		defEnd = *end
	}
	return defStart, defEnd
}

// Report aggregates both views for the requested window.
func (s *Service) Report(ctx context.Context, start, end *time.Time, filters Filters) (Result, error) {
	v, err := s.Version(ctx)
	if err != nil {
		return Result{}, err
	}
	from, to := s.Window(v, start, end)
	if to.Before(from) {
		return Result{}, ErrInvalidWindow
	}
	res, err := Aggregate(v, Request{Start: from, End: to, Filters: filters})
	for _, w := range res.Warnings {
		logger.Warn("report request", zap.String("warning", w))
	}
	return res, err
}

// Unmapped runs the unmapped-supervisor diagnostic for the requested window.
func (s *Service) Unmapped(ctx context.Context, start, end *time.Time) (UnmappedReport, error) {
	v, err := s.Version(ctx)
	if err != nil {
		return UnmappedReport{}, err
	}
	from, to := s.Window(v, start, end)
	if to.Before(from) {
		return UnmappedReport{}, ErrInvalidWindow
	}
	return Unmapped(v, from, to)
}

// Validate runs the count validation for the requested window.
func (s *Service) Validate(ctx context.Context, start, end *time.Time) (Validation, error) {
	v, err := s.Version(ctx)
	if err != nil {
		return Validation{}, err
	}
	from, to := s.Window(v, start, end)
	if to.Before(from) {
		return Validation{}, ErrInvalidWindow
	}
	return Validate(v, from, to)
}
