package security

import (
	"context"
	"slices"
	"time"
)

// Detection thresholds. They are part of the reporting contract.
const (
	PatternWindow         = 24 * time.Hour
	SuspiciousIPThreshold = 5
)

// Patterns summarises the trailing window of events.
type Patterns struct {
	RepeatedFailures  int       `json:"repeated_failures"`
	SuspiciousIPs     int       `json:"suspicious_ips"`
	HotIPs            []string  `json:"hot_ips"`
	UnusualActivities int       `json:"unusual_activities"`
	WindowStart       time.Time `json:"window_start"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// EventSource lists events created at or after since.
type EventSource interface {
	Since(ctx context.Context, since time.Time) ([]Event, error)
}

// Detector computes threshold heuristics over recent events.
type Detector struct {
	source EventSource
	clock  func() time.Time
}

// NewDetector builds a Detector.
func NewDetector(source EventSource) *Detector {
	return &Detector{source: source, clock: time.Now}
}

// DetectPatterns scans the trailing PatternWindow.
func (d *Detector) DetectPatterns(ctx context.Context) (Patterns, error) {
	now := d.clock().UTC()
	events, err := d.source.Since(ctx, now.Add(-PatternWindow))
	if err != nil {
		return Patterns{}, err
	}
	return Detect(events, now), nil
}

// Detect counts permission violations, addresses with more than
// SuspiciousIPThreshold events and events of medium severity or higher.
// Events outside (now-PatternWindow, now] are ignored.
func Detect(events []Event, now time.Time) Patterns {
	start := now.Add(-PatternWindow)
	p := Patterns{HotIPs: []string{}, WindowStart: start, GeneratedAt: now}
	perIP := make(map[string]int)
	for _, e := range events {
		if !e.CreatedAt.After(start) || e.CreatedAt.After(now) {
			continue
		}
		if e.EventType == EventPermissionViolation {
			p.RepeatedFailures++
		}
		if e.Severity.AtLeast(SeverityMedium) {
			p.UnusualActivities++
		}
		if e.IPAddress != "" {
			perIP[e.IPAddress]++
		}
	}
	for ip, n := range perIP {
		if n > SuspiciousIPThreshold {
			p.HotIPs = append(p.HotIPs, ip)
		}
	}
	slices.Sort(p.HotIPs)
	p.SuspiciousIPs = len(p.HotIPs)
	return p
}
