package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"dinecache/internal/model"
)

// Endpoint is a JSON-over-HTTP provider location.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (e Endpoint) httpClient() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func (e Endpoint) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := e.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	res, err := e.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &StatusError{Code: res.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func placeQuery(r model.Restaurant) url.Values {
	q := url.Values{}
	q.Set("name", r.Name)
	if r.ExternalRef != "" {
		q.Set("ref", r.ExternalRef)
	}
	if r.HasCoordinates() {
		q.Set("lat", strconv.FormatFloat(*r.Latitude, 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(*r.Longitude, 'f', -1, 64))
	}
	return q
}

// ReviewsProvider reads ratings and recent reviews.
type ReviewsProvider struct {
	Endpoint
}

func (ReviewsProvider) Name() string { return "reviews" }

type reviewsReply struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Rating      *float64       `json:"rating"`
	ReviewCount *int           `json:"review_count"`
	Reviews     []model.Review `json:"reviews"`
}

func (p ReviewsProvider) Fetch(ctx context.Context, r model.Restaurant) (Contribution, error) {
	var rep reviewsReply
	if err := p.getJSON(ctx, "/v1/reviews", placeQuery(r), &rep); err != nil {
		return nil, err
	}
	if rep.ID == "" {
		return nil, fmt.Errorf("decode /v1/reviews: missing id")
	}
	return model.ReviewData{
		ProviderID:  rep.ID,
		URL:         rep.URL,
		Rating:      rep.Rating,
		ReviewCount: rep.ReviewCount,
		Reviews:     rep.Reviews,
	}, nil
}

// ReservationsProvider reads table availability.
type ReservationsProvider struct {
	Endpoint
}

func (ReservationsProvider) Name() string { return "reservations" }

type availabilityReply struct {
	ID        string `json:"id"`
	URL       string `json:"reservation_url"`
	Available *bool  `json:"available"`
}

func (p ReservationsProvider) Fetch(ctx context.Context, r model.Restaurant) (Contribution, error) {
	var rep availabilityReply
	if err := p.getJSON(ctx, "/v1/availability", placeQuery(r), &rep); err != nil {
		return nil, err
	}
	if rep.ID == "" {
		return nil, fmt.Errorf("decode /v1/availability: missing id")
	}
	return model.ReservationData{ProviderID: rep.ID, URL: rep.URL, Available: rep.Available}, nil
}

// StatusProvider reads the operational status of a place. Backend only.
type StatusProvider struct {
	Endpoint
	Now func() time.Time
}

func (StatusProvider) Name() string { return "status" }

type statusReply struct {
	OpenNow        *bool    `json:"open_now"`
	BusinessStatus string   `json:"business_status"`
	Hours          string   `json:"hours"`
	WaitMinutes    *float64 `json:"wait_minutes"`
	Popularity     *float64 `json:"popularity"`
}

// FetchStatus returns the provider's current view, stamped with the check time.
func (p StatusProvider) FetchStatus(ctx context.Context, r model.Restaurant) (model.RestaurantStatus, error) {
	var rep statusReply
	if err := p.getJSON(ctx, "/v1/status", placeQuery(r), &rep); err != nil {
		return model.RestaurantStatus{}, Classify(p.Name(), err)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return model.RestaurantStatus{
		IsOpenNow:            rep.OpenNow,
		Status:               model.ParseOperationalStatus(rep.BusinessStatus),
		Hours:                rep.Hours,
		EstimatedWaitMinutes: rep.WaitMinutes,
		Popularity:           rep.Popularity,
		LastChecked:          now().UTC(),
	}, nil
}
