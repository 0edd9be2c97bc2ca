package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinecache/internal/backend"
	"dinecache/internal/changefeed"
	"dinecache/internal/enrich"
	"dinecache/internal/jitter"
	"dinecache/internal/logging"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubStatus struct {
	st   model.RestaurantStatus
	err  error
	seen model.Restaurant
}

func (s *stubStatus) FetchStatus(ctx context.Context, r model.Restaurant) (model.RestaurantStatus, error) {
	s.seen = r
	return s.st, s.err
}

type reviewsStub struct{ err error }

func (reviewsStub) Name() string { return "reviews" }

func (p reviewsStub) Fetch(ctx context.Context, r model.Restaurant) (enrich.Contribution, error) {
	if p.err != nil {
		return nil, p.err
	}
	return model.ReviewData{ProviderID: "rv-" + r.ID}, nil
}

type recordingPublisher struct{ got []model.StatusUpdate }

func (p *recordingPublisher) Publish(ctx context.Context, u model.StatusUpdate) error {
	p.got = append(p.got, u)
	return nil
}

func setup(t *testing.T) *backend.Repository {
	t.Helper()
	db, err := backend.Open(backend.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, backend.Migrate(db, backend.DriverSQLite))
	repo := backend.NewRepository(db, backend.DriverSQLite, backend.WithClock(func() time.Time { return now }))
	lat, lng := 1.0, 2.0
	require.NoError(t, repo.UpsertRestaurant(context.Background(), model.Restaurant{
		ID: "r1", Name: "Pho", Latitude: &lat, Longitude: &lng, ExternalRef: "old-ref",
	}))
	return repo
}

func pipeline(p enrich.Provider) *enrich.Pipeline {
	return enrich.NewPipeline(enrich.Config{Delayer: jitter.None{}, Log: logging.Discard()}, metrics.NewRegistry(), p)
}

func TestRefresh_SavesStatusEnrichmentAndPublishes(t *testing.T) {
	repo := setup(t)
	status := &stubStatus{st: model.RestaurantStatus{Status: model.StatusOperational, LastChecked: now}}
	pub := &recordingPublisher{}
	svc := NewService(repo, status, pipeline(reviewsStub{}), pub, logging.Discard())

	rec, err := svc.Refresh(context.Background(), "r1", "new-ref")
	require.NoError(t, err)
	assert.Equal(t, "new-ref", status.seen.ExternalRef)
	assert.Equal(t, "new-ref", rec.ExternalRef)
	assert.Equal(t, model.StatusOperational, rec.Status.Status)
	require.NotNil(t, rec.Enrichment.Reviews)
	assert.Equal(t, "rv-r1", rec.Enrichment.Reviews.ProviderID)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "r1", pub.got[0].RestaurantID)

	// same lastChecked again: nothing newer, nothing published
	_, err = svc.Refresh(context.Background(), "r1", "")
	require.NoError(t, err)
	assert.Len(t, pub.got, 1)
}

func TestRefresh_StatusFailureFails(t *testing.T) {
	repo := setup(t)
	svc := NewService(repo, &stubStatus{err: &enrich.StatusError{Code: 401}}, nil, nil, logging.Discard())
	_, err := svc.Refresh(context.Background(), "r1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrProviderUnavailable)
	assert.False(t, enrich.IsRetryable(err))
}

func TestRefresh_EnrichmentFailureIsAbsorbed(t *testing.T) {
	repo := setup(t)
	hub := changefeed.NewHubWith(nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := hub.Subscribe(ctx, "r1")
	require.NoError(t, err)

	status := &stubStatus{st: model.RestaurantStatus{Status: model.StatusClosedTemporarily, LastChecked: now}}
	svc := NewService(repo, status, pipeline(reviewsStub{err: errors.New("timeout")}), hub, logging.Discard())
	rec, err := svc.Refresh(ctx, "r1", "")
	require.NoError(t, err)
	assert.Nil(t, rec.Enrichment.Reviews)
	u := <-updates
	assert.Equal(t, model.StatusClosedTemporarily, u.Status.Status)
}

func TestRefresh_UnknownRestaurant(t *testing.T) {
	repo := setup(t)
	svc := NewService(repo, &stubStatus{}, nil, nil, logging.Discard())
	_, err := svc.Refresh(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
