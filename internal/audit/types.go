package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPeriod dikembalikan untuk periode statistik yang tidak dikenal.
var ErrInvalidPeriod = errors.New("audit: invalid period")

// Result adalah hasil satu pemeriksaan izin.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
)

// ResultOf memetakan keputusan boolean ke Result.
func ResultOf(allowed bool) Result {
	if allowed {
		return ResultSuccess
	}
	return ResultDenied
}

// Entry mewakili satu baris log audit izin. Entry bersifat append-only.
type Entry struct {
	ID             int64          `json:"id"`
	UserID         *int64         `json:"user_id,omitempty"`
	PermissionName string         `json:"permission_name"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Scope          string         `json:"scope,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Result         Result         `json:"result"`
	Reason         string         `json:"reason,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Details menampung informasi opsional dari pemanggil pemeriksaan izin.
type Details struct {
	Action       string
	ResourceType string
	ResourceID   string
	Scope        string
	Reason       string
	Context      map[string]any
}

// Filters menampung filter untuk daftar entri audit.
type Filters struct {
	From       time.Time
	To         time.Time
	UserID     *int64
	Permission string
	Result     Result
	Page       int
	PageSize   int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Page membungkus entri dengan informasi paging.
type Page struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// PermissionStat adalah agregasi per (permission, result).
type PermissionStat struct {
	PermissionName string `json:"permission_name"`
	Result         Result `json:"result"`
	Count          int64  `json:"count"`
	UniqueUsers    int64  `json:"unique_users"`
}

// UserActivity adalah volume pemeriksaan izin per aktor.
type UserActivity struct {
	UserID   int64     `json:"user_id"`
	Checks   int64     `json:"checks"`
	Denied   int64     `json:"denied"`
	LastSeen time.Time `json:"last_seen"`
}

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParsePeriod mengubah kode periode (1h, 24h, 7d, 30d) menjadi durasi.
func ParsePeriod(period string) (time.Duration, error) {
	d, ok := periods[strings.ToLower(strings.TrimSpace(period))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return d, nil
}
