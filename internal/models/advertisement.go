package models

import (
	"time"
)

// Placement is the slot on the page an advertisement is rendered into.
type Placement string

const (
	PlacementHeaderBanner     Placement = "header_banner"
	PlacementSidebarRectangle Placement = "sidebar_rectangle"
	PlacementFooterBanner     Placement = "footer_banner"
	PlacementInContent        Placement = "in_content"
	PlacementMobileBanner     Placement = "mobile_banner"
)

// Valid reports whether p is one of the known placements.
func (p Placement) Valid() bool {
	switch p {
	case PlacementHeaderBanner, PlacementSidebarRectangle, PlacementFooterBanner,
		PlacementInContent, PlacementMobileBanner:
		return true
	}
	return false
}

// Advertisement is an ad as stored by the admin console. Impressions and
// Clicks are server-side counters mutated only by the tracking collector.
type Advertisement struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ImageURL    string     `json:"image_url"`
	LinkURL     string     `json:"link_url"`
	Placement   Placement  `json:"placement"`
	IsActive    bool       `json:"is_active"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Impressions int64      `json:"impressions"`
	Clicks      int64      `json:"clicks"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AdState is the effective lifecycle state of an advertisement. It is
// derived from the stored flags and dates and never persisted.
type AdState int

const (
	AdInactive AdState = iota
	AdScheduled
	AdActive
	AdExpired
)

func (s AdState) String() string {
	switch s {
	case AdInactive:
		return "inactive"
	case AdScheduled:
		return "scheduled"
	case AdActive:
		return "active"
	case AdExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lowercase name.
func (s AdState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EffectiveState maps an advertisement to its lifecycle state at now.
// The order of checks matters: the is_active switch overrides any date window.
func EffectiveState(ad *Advertisement, now time.Time) AdState {
	if ad == nil || !ad.IsActive {
		return AdInactive
	}
	if ad.StartDate != nil && ad.StartDate.After(now) {
		return AdScheduled
	}
	if ad.EndDate != nil && ad.EndDate.Before(now) {
		return AdExpired
	}
	return AdActive
}

// Eligible reports whether the ad may be served and may accrue impressions
// and clicks at now.
func Eligible(ad *Advertisement, now time.Time) bool {
	return EffectiveState(ad, now) == AdActive
}

// Ratio returns num/den as a rate in [0,1]. A zero denominator yields 0, and
// a numerator larger than the denominator is clamped to 1 with clamped=true
// so the caller can surface it as a data-quality problem.
func Ratio(num, den int64) (rate float64, clamped bool) {
	if den <= 0 || num <= 0 {
		return 0, false
	}
	if num > den {
		return 1, true
	}
	return float64(num) / float64(den), false
}
