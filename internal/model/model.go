package model

import (
	"time"
)

// Restaurant is the base restaurant entity shared by the backend and the local cache.
type Restaurant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Cuisine     string    `json:"cuisine,omitempty"`
	PriceLevel  int       `json:"priceLevel,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	ExternalRef string    `json:"externalRef,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (r Restaurant) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Record is a backend restaurant row: the base entity plus its status and enrichment.
type Record struct {
	Restaurant
	Status     RestaurantStatus   `json:"status"`
	Enrichment EnrichedRestaurant `json:"enrichment"`
}

// Order is an order created by a user, possibly while offline.
type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	RestaurantID string      `json:"restaurantId"`
	Items        []OrderItem `json:"items,omitempty"`
	Total        float64     `json:"total"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Preferences are user settings cached locally.
type Preferences struct {
	UserID        string   `json:"userId"`
	Cuisines      []string `json:"cuisines,omitempty"`
	MaxPriceLevel int      `json:"maxPriceLevel,omitempty"`
	RadiusKm      float64  `json:"radiusKm,omitempty"`
}
