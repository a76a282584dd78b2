package security

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// maxPage keeps (page-1)*pageSize far from int overflow.
	maxPage = 10000
)

// Repository is the persistence port for security events.
type Repository interface {
	Store
	Get(ctx context.Context, id int64) (Event, error)
	List(ctx context.Context, f ListFilters, limit, offset int) ([]Event, error)
	Since(ctx context.Context, since time.Time) ([]Event, error)
	// Update loads the event for update, applies fn and saves the lifecycle
	// fields in one transaction. An error from fn aborts without writing.
	Update(ctx context.Context, id int64, fn func(*Event) error) (Event, error)
}

// Service drives the investigation lifecycle: open, investigated, resolved.
type Service struct {
	repo  Repository
	clock func() time.Time
}

// NewService builds a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, id int64) (Event, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of events, newest first.
func (s *Service) List(ctx context.Context, f ListFilters) (Page, error) {
	if f.EventType != "" && !f.EventType.Valid() {
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidEventType, f.EventType)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidSeverity, f.Severity)
	}
	switch f.Status {
	case "", "open", "investigated", "resolved":
	default:
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	rows, err := s.repo.List(ctx, f, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Event{}
	}
	return Page{Rows: rows, Paging: PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}}, nil
}

// MarkAsInvestigated flags the event as investigated and stores notes.
// Investigated never goes back to false.
func (s *Service) MarkAsInvestigated(ctx context.Context, id int64, notes string) (Event, error) {
	return s.repo.Update(ctx, id, func(e *Event) error {
		if e.ResolvedAt != nil {
			return fmt.Errorf("event %d: %w", id, ErrAlreadyResolved)
		}
		e.Investigated = true
		e.InvestigationNotes = mergeNotes(e.InvestigationNotes, notes)
		return nil
	})
}

// Resolve closes the event, marking it investigated in the same step.
func (s *Service) Resolve(ctx context.Context, id int64, notes string) (Event, error) {
	return s.repo.Update(ctx, id, func(e *Event) error {
		if e.ResolvedAt != nil {
			return fmt.Errorf("event %d: %w", id, ErrAlreadyResolved)
		}
		now := s.clock().UTC()
		e.Investigated = true
		e.ResolvedAt = &now
		e.InvestigationNotes = mergeNotes(e.InvestigationNotes, notes)
		return nil
	})
}

func mergeNotes(existing, notes string) string {
	notes = strings.TrimSpace(notes)
	switch {
	case notes == "":
		return existing
	case existing == "":
		return notes
	default:
		return existing + "\n" + notes
	}
}
