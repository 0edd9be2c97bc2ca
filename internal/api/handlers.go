package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"dinecache/internal/model"
	"dinecache/internal/sweep"
)

type handlers struct {
	records   Records
	refresher Refresher
	sweeper   Sweeper
	log       logrus.FieldLogger
}

// RestaurantPage is the reply of GET /api/restaurants. Checkpoint and CheckpointID are the
// (UpdatedAt, ID) of the last record in the page, or the request's cursor when the page is
// empty. Passing them back as updated_since and after_id resumes right after that record.
type RestaurantPage struct {
	Restaurants  []model.Record `json:"restaurants"`
	Checkpoint   time.Time      `json:"checkpoint"`
	CheckpointID string         `json:"checkpointId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrSyncConflict):
		code = http.StatusConflict
	case errors.Is(err, sweep.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, model.ErrProviderUnavailable):
		code = http.StatusBadGateway
	}
	if code >= 500 {
		h.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	http.Error(w, err.Error(), code)
}

func parseSince(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (h *handlers) listRestaurants(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, "updated_since")
	if err != nil {
		http.Error(w, "bad updated_since", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}
	afterID := r.URL.Query().Get("after_id")
	recs, err := h.records.RestaurantsUpdatedSince(r.Context(), since, afterID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	page := RestaurantPage{Restaurants: recs, Checkpoint: since, CheckpointID: afterID}
	if n := len(recs); n > 0 {
		page.Checkpoint = recs[n-1].UpdatedAt
		page.CheckpointID = recs[n-1].ID
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handlers) getRestaurant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) refreshRestaurant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.refresher.Refresh(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := ClaimsFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, "invalid order body", http.StatusBadRequest)
		return
	}
	if o.ID == "" {
		http.Error(w, "order id is required", http.StatusBadRequest)
		return
	}
	if o.UserID != "" && o.UserID != claims.UserID {
		http.Error(w, "forbidden: order belongs to another user", http.StatusForbidden)
		return
	}
	o.UserID = claims.UserID
	if err := h.records.InsertOrder(r.Context(), o); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	claims, err := ClaimsFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	since, err := parseSince(r, "since")
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}
	orders, err := h.records.OrdersForUserSince(r.Context(), claims.UserID, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handlers) runSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		http.Error(w, "sweep not configured", http.StatusNotImplemented)
		return
	}
	rep, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
