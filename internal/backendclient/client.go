// Package backendclient is the client's view of the dinecache backend API.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"dinecache/internal/api"
	"dinecache/internal/enrich"
	"dinecache/internal/model"
)

const DefaultTimeout = 30 * time.Second

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: DefaultTimeout}}
}

// do sends body as JSON and decodes a 2xx reply into out. Non-2xx replies come back as
// *enrich.StatusError, wrapped with the sentinel the status code maps to.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusErr(method, path, &enrich.StatusError{Code: res.StatusCode, Body: string(bytes.TrimSpace(data))})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func statusErr(method, path string, se *enrich.StatusError) error {
	switch se.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %w", method, path, model.ErrNotFound, se)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %w: %w", method, path, model.ErrSyncConflict, se)
	case http.StatusBadGateway:
		return fmt.Errorf("%s %s: %w: %w", method, path, model.ErrProviderUnavailable, se)
	}
	return fmt.Errorf("%s %s: %w", method, path, se)
}

func restaurantPath(id string) string {
	return "/api/restaurants/" + url.PathEscape(id)
}

func (c *Client) Restaurant(ctx context.Context, id string) (model.Record, error) {
	var rec model.Record
	err := c.do(ctx, http.MethodGet, restaurantPath(id), nil, nil, &rec)
	return rec, err
}

// FetchStatus reads the stored status without triggering a provider call.
func (c *Client) FetchStatus(ctx context.Context, id string) (model.RestaurantStatus, error) {
	rec, err := c.Restaurant(ctx, id)
	if err != nil {
		return model.RestaurantStatus{}, err
	}
	return rec.Status, nil
}

// Refresh asks the backend to re-check one restaurant and returns the updated record.
func (c *Client) Refresh(ctx context.Context, id, externalRef string) (model.Record, error) {
	q := url.Values{}
	if externalRef != "" {
		q.Set("ref", externalRef)
	}
	var rec model.Record
	err := c.do(ctx, http.MethodPost, restaurantPath(id)+"/refresh", q, nil, &rec)
	return rec, err
}

func (c *Client) RefreshStatus(ctx context.Context, id, externalRef string) (model.RestaurantStatus, error) {
	rec, err := c.Refresh(ctx, id, externalRef)
	if err != nil {
		return model.RestaurantStatus{}, err
	}
	return rec.Status, nil
}

// RestaurantsUpdatedSince pulls one page of records after the cursor (since, afterID). limit
// <= 0 lets the backend decide.
func (c *Client) RestaurantsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) (api.RestaurantPage, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("updated_since", since.UTC().Format(time.RFC3339Nano))
	}
	if afterID != "" {
		q.Set("after_id", afterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page api.RestaurantPage
	err := c.do(ctx, http.MethodGet, "/api/restaurants", q, nil, &page)
	return page, err
}

// PushOrder uploads one order. An order the backend already holds yields model.ErrSyncConflict.
func (c *Client) PushOrder(ctx context.Context, o model.Order) error {
	return c.do(ctx, http.MethodPost, "/api/orders", nil, o, nil)
}

// OrdersSince lists the signed-in user's orders received after since.
func (c *Client) OrdersSince(ctx context.Context, since time.Time) ([]model.Order, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var orders []model.Order
	err := c.do(ctx, http.MethodGet, "/api/orders", q, nil, &orders)
	return orders, err
}

// Sweep triggers one stale sweep. It needs an admin token.
func (c *Client) Sweep(ctx context.Context) (json.RawMessage, error) {
	var rep json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, nil, &rep)
	return rep, err
}
