package model

// EnrichedRestaurant is a restaurant plus optional provider groups.
// A nil group means the provider's data is unknown, not that the provider reported none.
type EnrichedRestaurant struct {
	Restaurant
	Reviews      *ReviewData      `json:"reviews,omitempty"`
	Reservations *ReservationData `json:"reservations,omitempty"`
}

type ReviewData struct {
	ProviderID  string   `json:"providerId,omitempty"`
	URL         string   `json:"url,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"reviewCount,omitempty"`
	Reviews     []Review `json:"reviews,omitempty"`
}

type Review struct {
	Author string  `json:"author,omitempty"`
	Rating float64 `json:"rating"`
	Text   string  `json:"text,omitempty"`
}

type ReservationData struct {
	ProviderID string `json:"providerId,omitempty"`
	URL        string `json:"url,omitempty"`
	Available  *bool  `json:"available,omitempty"`
}

// MergeInto sets the reviews group on dst.
func (d ReviewData) MergeInto(dst *EnrichedRestaurant) {
	v := d
	dst.Reviews = &v
}

// MergeInto sets the reservations group on dst.
func (d ReservationData) MergeInto(dst *EnrichedRestaurant) {
	v := d
	dst.Reservations = &v
}
