package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinecache/internal/jitter"
	"dinecache/internal/logging"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

type stubProvider struct {
	name    string
	contrib Contribution
	err     error
	panics  bool
	calls   int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Fetch(ctx context.Context, r model.Restaurant) (Contribution, error) {
	s.calls++
	if s.panics {
		panic("provider bug")
	}
	return s.contrib, s.err
}

func ptr[T any](v T) *T { return &v }

func located() model.Restaurant {
	return model.Restaurant{ID: "r1", Name: "Noodle Bar", Latitude: ptr(52.52), Longitude: ptr(13.40)}
}

func newPipeline(d jitter.Delayer, providers ...Provider) *Pipeline {
	return NewPipeline(Config{Delayer: d, Log: logging.Discard()}, metrics.NewRegistry(), providers...)
}

func TestRun_OneProviderFailsOtherMerges(t *testing.T) {
	reviews := &stubProvider{name: "reviews", err: &StatusError{Code: http.StatusServiceUnavailable}}
	avail := &stubProvider{name: "reservations", contrib: model.ReservationData{ProviderID: "t-9", Available: ptr(true)}}
	p := newPipeline(jitter.None{}, reviews, avail)

	res := p.Run(context.Background(), located(), true)

	assert.Nil(t, res.Restaurant.Reviews)
	require.NotNil(t, res.Restaurant.Reservations)
	assert.Equal(t, "t-9", res.Restaurant.Reservations.ProviderID)
	assert.True(t, *res.Restaurant.Reservations.Available)
	assert.Equal(t, map[string]bool{"reviews": false, "reservations": true}, res.Available)
	assert.False(t, res.Loading)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, model.ErrProviderUnavailable)
	assert.True(t, IsRetryable(res.Err))
}

func TestRun_PanicIsIsolated(t *testing.T) {
	bad := &stubProvider{name: "reviews", panics: true}
	good := &stubProvider{name: "reservations", contrib: model.ReservationData{ProviderID: "x"}}
	res := newPipeline(jitter.None{}, bad, good).Run(context.Background(), located(), true)
	assert.Nil(t, res.Restaurant.Reviews)
	assert.NotNil(t, res.Restaurant.Reservations)
	assert.Error(t, res.Err)
}

type waitingProvider struct {
	name    string
	started chan struct{}
}

func (w *waitingProvider) Name() string { return w.name }

func (w *waitingProvider) Fetch(ctx context.Context, r model.Restaurant) (Contribution, error) {
	close(w.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CallerCancellationIsReportedAsSuch(t *testing.T) {
	slow := &waitingProvider{name: "reviews", started: make(chan struct{})}
	fast := &stubProvider{name: "reservations", contrib: model.ReservationData{ProviderID: "x"}}
	p := newPipeline(jitter.None{}, slow, fast)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-slow.started
		cancel()
	}()
	res := p.Run(ctx, located(), true)

	assert.Equal(t, context.Canceled, res.Err)
	assert.False(t, res.Available["reviews"])
	assert.NotNil(t, res.Restaurant.Reservations)
}

func TestRun_NoCoordinatesIsNoop(t *testing.T) {
	prov := &stubProvider{name: "reviews", contrib: model.ReviewData{ProviderID: "y"}}
	rec := &jitter.Recorder{}
	r := model.Restaurant{ID: "r2", Name: "Nowhere"}
	res := newPipeline(rec, prov).Run(context.Background(), r, true)
	assert.Equal(t, r, res.Restaurant.Restaurant)
	assert.Nil(t, res.Restaurant.Reviews)
	assert.Zero(t, prov.calls)
	assert.Empty(t, rec.Calls)
	assert.NoError(t, res.Err)
}

func TestRun_DisabledIsNoop(t *testing.T) {
	prov := &stubProvider{name: "reviews", contrib: model.ReviewData{ProviderID: "y"}}
	res := newPipeline(jitter.None{}, prov).Run(context.Background(), located(), false)
	assert.Nil(t, res.Restaurant.Reviews)
	assert.Zero(t, prov.calls)
}

func TestRun_JitterBeforeRequests(t *testing.T) {
	rec := &jitter.Recorder{}
	prov := &stubProvider{name: "reviews", contrib: model.ReviewData{ProviderID: "y"}}
	res := newPipeline(rec, prov).Run(context.Background(), located(), true)
	require.Len(t, rec.Calls, 1)
	assert.Equal(t, [2]time.Duration{0, DefaultJitterMax}, rec.Calls[0])
	assert.Equal(t, "y", res.Restaurant.Reviews.ProviderID)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"unauthorized", &StatusError{Code: 401}, false},
		{"not found", &StatusError{Code: 404}, false},
		{"rate limited", &StatusError{Code: 429}, true},
		{"server error", &StatusError{Code: 502}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"other", errors.New("reset by peer"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify("reviews", tc.err)
			assert.ErrorIs(t, err, model.ErrProviderUnavailable)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
	assert.NoError(t, Classify("reviews", nil))
}

func TestHTTPProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "no key", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/reviews":
			assert.Equal(t, "52.52", r.URL.Query().Get("lat"))
			w.Write([]byte(`{"id":"rv-1","rating":4.5,"review_count":120,"reviews":[{"author":"a","rating":5,"text":"great"}]}`))
		case "/v1/availability":
			w.Write([]byte(`{"id":"av-1","reservation_url":"https://book/1","available":false}`))
		case "/v1/status":
			w.Write([]byte(`{"open_now":true,"business_status":"operational","hours":"9-17"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	ep := Endpoint{BaseURL: srv.URL, APIKey: "k", Client: srv.Client()}

	p := newPipeline(jitter.None{}, ReviewsProvider{ep}, ReservationsProvider{ep})
	res := p.Run(context.Background(), located(), true)
	require.NoError(t, res.Err)
	assert.InDelta(t, 4.5, *res.Restaurant.Reviews.Rating, 1e-9)
	assert.Equal(t, 120, *res.Restaurant.Reviews.ReviewCount)
	assert.Len(t, res.Restaurant.Reviews.Reviews, 1)
	// "not available" is a known answer, distinct from a nil group
	require.NotNil(t, res.Restaurant.Reservations.Available)
	assert.False(t, *res.Restaurant.Reservations.Available)

	checked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sp := StatusProvider{Endpoint: ep, Now: func() time.Time { return checked }}
	st, err := sp.FetchStatus(context.Background(), located())
	require.NoError(t, err)
	assert.Equal(t, model.StatusOperational, st.Status)
	assert.True(t, *st.IsOpenNow)
	assert.Equal(t, checked, st.LastChecked)

	_, err = StatusProvider{Endpoint: Endpoint{BaseURL: srv.URL, Client: srv.Client()}}.FetchStatus(context.Background(), located())
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestHTTPProviders_MalformedBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()
	p := newPipeline(jitter.None{}, ReviewsProvider{Endpoint{BaseURL: srv.URL, Client: srv.Client()}})
	res := p.Run(context.Background(), located(), true)
	assert.Nil(t, res.Restaurant.Reviews)
	assert.Error(t, res.Err)
	assert.True(t, IsRetryable(res.Err))
}
