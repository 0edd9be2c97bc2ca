package model

import "time"

// OperationalStatus is the coarse operational state reported for a restaurant.
type OperationalStatus string

const (
	StatusOperational       OperationalStatus = "operational"
	StatusClosedTemporarily OperationalStatus = "closed_temporarily"
	StatusClosedPermanently OperationalStatus = "closed_permanently"
	StatusUnknown           OperationalStatus = "unknown"
)

// ParseOperationalStatus maps provider strings onto the known values; anything else is unknown.
func ParseOperationalStatus(s string) OperationalStatus {
	switch OperationalStatus(s) {
	case StatusOperational, StatusClosedTemporarily, StatusClosedPermanently:
		return OperationalStatus(s)
	}
	return StatusUnknown
}

// RestaurantStatus is the freshest known operational status of a restaurant.
// LastChecked only moves forward.
type RestaurantStatus struct {
	IsOpenNow            *bool             `json:"isOpenNow,omitempty"`
	Status               OperationalStatus `json:"status"`
	Hours                string            `json:"hours,omitempty"`
	EstimatedWaitMinutes *float64          `json:"estimatedWaitMinutes,omitempty"`
	Popularity           *float64          `json:"popularity,omitempty"`
	LastChecked          time.Time         `json:"lastChecked"`
}

// NewerThan reports whether s carries a strictly newer, non-zero LastChecked than other.
func (s RestaurantStatus) NewerThan(other RestaurantStatus) bool {
	if s.LastChecked.IsZero() {
		return false
	}
	return s.LastChecked.After(other.LastChecked)
}

// StatusUpdate is a status change for one restaurant, as carried on the change feed.
type StatusUpdate struct {
	RestaurantID string           `json:"restaurantId"`
	Status       RestaurantStatus `json:"status"`
}
