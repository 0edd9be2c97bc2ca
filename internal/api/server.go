// Package api serves the backend HTTP surface: restaurant records, refresh, orders and the
// stale sweep.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"dinecache/internal/metrics"
	"dinecache/internal/model"
	"dinecache/internal/sweep"
)

const (
	readTimeout       = time.Minute
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 2 * time.Minute
)

type Records interface {
	Get(ctx context.Context, id string) (model.Record, error)
	RestaurantsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]model.Record, error)
	InsertOrder(ctx context.Context, o model.Order) error
	OrdersForUserSince(ctx context.Context, userID string, since time.Time) ([]model.Order, error)
}

type Refresher interface {
	Refresh(ctx context.Context, id, externalRef string) (model.Record, error)
}

type Sweeper interface {
	Run(ctx context.Context) (sweep.Report, error)
}

type Deps struct {
	Records   Records
	Refresher Refresher
	Sweeper   Sweeper
	Metrics   *metrics.Registry
	JWTSecret []byte
	Log       logrus.FieldLogger
}

type Server struct {
	Router *mux.Router
	server *http.Server
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	h := &handlers{records: d.Records, refresher: d.Refresher, sweeper: d.Sweeper, log: d.Log}
	router := mux.NewRouter()
	router.Use(requestLogger(d.Log))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"alive": true}`)
	}).Methods(http.MethodGet)
	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	authRoutes := router.PathPrefix("/api").Subrouter()
	authRoutes.Use(AuthMiddleware(d.JWTSecret))
	authRoutes.HandleFunc("/restaurants", h.listRestaurants).Methods(http.MethodGet)
	authRoutes.HandleFunc("/restaurants/{id}", h.getRestaurant).Methods(http.MethodGet)
	authRoutes.HandleFunc("/restaurants/{id}/refresh", h.refreshRestaurant).Methods(http.MethodPost)
	authRoutes.HandleFunc("/orders", h.createOrder).Methods(http.MethodPost)
	authRoutes.HandleFunc("/orders", h.listOrders).Methods(http.MethodGet)

	admin := authRoutes.PathPrefix("/admin").Subrouter()
	admin.Use(RequireRole(RoleAdmin))
	admin.HandleFunc("/sweep", h.runSweep).Methods(http.MethodPost)

	return &Server{Router: router}
}

func (s *Server) Run(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.code,
				"duration": time.Since(start),
			}).Debug("request")
		})
	}
}
