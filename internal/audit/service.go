package audit

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// maxPage keeps (page-1)*pageSize far from int overflow.
	maxPage         = 10000
	defaultTopUsers = 10
	maxTopUsers     = 100
	topUsersWindow  = 24 * time.Hour
)

// Repository adalah akses baca dan retensi untuk log audit izin.
type Repository interface {
	List(ctx context.Context, f Filters, limit, offset int) ([]Entry, error)
	PermissionStats(ctx context.Context, since time.Time) ([]PermissionStat, error)
	TopUsers(ctx context.Context, since time.Time, limit int) ([]UserActivity, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service mengoordinasikan pelaporan dan retensi data audit.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService membuat service audit baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// GetPermissionStats mengagregasi pemeriksaan izin pada periode 1h, 24h, 7d atau 30d.
func (s *Service) GetPermissionStats(ctx context.Context, period string) ([]PermissionStat, error) {
	d, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.PermissionStats(ctx, s.now().Add(-d))
}

// GetTopActiveUsers mengembalikan aktor paling aktif dalam 24 jam terakhir.
func (s *Service) GetTopActiveUsers(ctx context.Context, limit int) ([]UserActivity, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if limit <= 0 {
		limit = defaultTopUsers
	}
	if limit > maxTopUsers {
		limit = maxTopUsers
	}
	return s.repo.TopUsers(ctx, s.now().Add(-topUsersWindow), limit)
}

// Entries mengambil entri audit dengan paging.
func (s *Service) Entries(ctx context.Context, filters Filters) (Page, error) {
	if s.repo == nil {
		return Page{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.To.Before(filters.From) {
		return Page{}, fmt.Errorf("%w: to before from", ErrInvalidPeriod)
	}
	rows, err := s.repo.List(ctx, filters, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Entry{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Page{Rows: rows, Paging: paging}, nil
}

// Purge menghapus entri yang lebih tua dari olderThan.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.repo == nil {
		return 0, fmt.Errorf("audit: repository not configured")
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("audit: retention must be positive")
	}
	return s.repo.DeleteBefore(ctx, s.now().Add(-olderThan))
}
