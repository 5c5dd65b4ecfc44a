package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sunbed/internal/config"
	"sunbed/internal/metrics"
	"sunbed/internal/models"
	"sunbed/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	webhookPath     = "/api/v1/payments/webhook"
	requestIDHeader = "X-Request-ID"
)

type BookingAPI interface {
	Create(ctx context.Context, sunbedID int64, start, end time.Time, userID int64) (*models.Booking, error)
	GetUserBooking(ctx context.Context, id, userID int64) (*models.Booking, error)
	ListUserBookings(ctx context.Context, userID int64) ([]*models.Booking, error)
	RequestClose(ctx context.Context, id, userID int64) (*models.Booking, bool, error)
	AccessCode(ctx context.Context, id, userID int64) (*models.AccessCode, error)
	CancelByID(ctx context.Context, id int64) (*models.Booking, error)
	ForceComplete(ctx context.Context, id int64) (*models.Booking, error)
}

type PaymentAPI interface {
	StartPayment(ctx context.Context, bookingID, userID int64) (*service.PaymentStart, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, token string, ev *service.WebhookEvent) (string, error)
}

type RefundAPI interface {
	RefundOverdueCharge(ctx context.Context, chargeID int64) (*models.OverdueCharge, error)
}

type SunbedReader interface {
	GetSunbed(ctx context.Context, id int64) (*models.Sunbed, error)
}

// LockAdmin is the subset of the lock client exposed to operators.
type LockAdmin interface {
	ListRecords(ctx context.Context, lockID string, page, pageSize int) ([]models.LockRecord, error)
	RemoteUnlock(ctx context.Context, lockID string) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Services bundles what the handlers call into.
type Services struct {
	Bookings BookingAPI
	Payments PaymentAPI
	Webhooks WebhookHandler
	Refunds  RefundAPI
	Sunbeds  SunbedReader
	Locks    LockAdmin
	DB       Pinger
}

// HTTPServer exposes the booking API and the payment webhook.
type HTTPServer struct {
	cfg      config.APIConfig
	svc      Services
	server   *http.Server
	auth     *HTTPAuth
	validate *validator.Validate
	loc      *time.Location
	log      zerolog.Logger
}

// NewHTTPServer wires the routes. loc is the zone for timestamps sent without
// an offset.
func NewHTTPServer(cfg config.APIConfig, loc *time.Location, svc Services, logger *zerolog.Logger) *HTTPServer {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:      cfg,
		svc:      svc,
		auth:     NewHTTPAuth(cfg),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		loc:      loc,
		log:      base,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)
	mux.HandleFunc("POST "+webhookPath, srv.handleWebhook)

	mux.HandleFunc("POST /api/v1/bookings", srv.handleCreateBooking)
	mux.HandleFunc("GET /api/v1/bookings", srv.handleListBookings)
	mux.HandleFunc("GET /api/v1/bookings/{id}", srv.handleGetBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/pay", srv.handlePay)
	mux.HandleFunc("POST /api/v1/bookings/{id}/close-lock", srv.handleCloseLock)
	mux.HandleFunc("GET /api/v1/bookings/{id}/access-code", srv.handleAccessCode)

	mux.HandleFunc("POST /api/v1/admin/bookings/{id}/cancel", srv.handleAdminCancel)
	mux.HandleFunc("POST /api/v1/admin/bookings/{id}/force-complete", srv.handleAdminForceComplete)
	mux.HandleFunc("POST /api/v1/admin/overdue/{id}/refund", srv.handleAdminRefund)
	mux.HandleFunc("GET /api/v1/admin/sunbeds/{id}/lock-records", srv.handleLockRecords)
	mux.HandleFunc("POST /api/v1/admin/sunbeds/{id}/unlock", srv.handleUnlock)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return srv
}

// Handler returns the full middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		log := s.log.With().Str("request_id", requestID).Logger()
		r = r.WithContext(log.WithContext(r.Context()))

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		ev := log.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
