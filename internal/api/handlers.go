package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"sunbed/internal/clock"
	"sunbed/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const (
	lockRecordsPageSizeDefault = 20
	maxBodyBytes               = 64 << 10
)

var errNoLock = errors.New("sunbed has no lock")

// createBookingRequest takes ISO-8601 timestamps; values without an offset
// are read in the deployment time zone.
type createBookingRequest struct {
	SunbedID  int64  `json:"sunbed_id" validate:"required,gt=0"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

type lockRecordsQuery struct {
	Page     int `validate:"gte=1"`
	PageSize int `validate:"gte=1,lte=100"`
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.DB != nil {
		if err := s.svc.DB.PingContext(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("database is not ready")
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleWebhook acknowledges every authenticated event, including ignored
// ones. Processing failures answer 5xx so the gateway redelivers.
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev service.WebhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeBodyError(w, err)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	result, err := s.svc.Webhooks.Handle(r.Context(), token, &ev)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("event", ev.Event).Str("object_id", ev.Object.ID).Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "result": result})
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req createBookingRequest
	if !s.decode(w, r, &req) {
		return
	}

	start, err := clock.ParseLocal(req.StartTime, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	end, err := clock.ParseLocal(req.EndTime, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_time")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end_time must be after start_time")
		return
	}

	b, err := s.svc.Bookings.Create(r.Context(), req.SunbedID, start, end, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	list, err := s.svc.Bookings.ListUserBookings(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Bookings.GetUserBooking(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handlePay(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	start, err := s.svc.Payments.StartPayment(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *HTTPServer) handleCloseLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, completed, err := s.svc.Bookings.RequestClose(r.Context(), id, userID)
	if err != nil && !completed {
		// намерение закрыть уже сохранено, завершит sweep
		if b != nil && b.UserRequestedClose && service.Classify(err) == service.KindExternalUnavailable {
			writeJSON(w, http.StatusAccepted, map[string]any{"booking": b, "completed": false})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	statusCode := http.StatusOK
	if !completed {
		statusCode = http.StatusAccepted
	}
	writeJSON(w, statusCode, map[string]any{"booking": b, "completed": completed})
}

func (s *HTTPServer) handleAccessCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	code, err := s.svc.Bookings.AccessCode(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *HTTPServer) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Bookings.CancelByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleAdminForceComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Bookings.ForceComplete(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleAdminRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	charge, err := s.svc.Refunds.RefundOverdueCharge(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, charge)
}

func (s *HTTPServer) handleLockRecords(w http.ResponseWriter, r *http.Request) {
	lockID, ok := s.sunbedLock(w, r)
	if !ok {
		return
	}

	q := lockRecordsQuery{Page: 1, PageSize: lockRecordsPageSizeDefault}
	if v := r.URL.Query().Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		q.PageSize, _ = strconv.Atoi(v)
	}
	if err := s.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	records, err := s.svc.Locks.ListRecords(r.Context(), lockID, q.Page, q.PageSize)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "page": q.Page})
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	lockID, ok := s.sunbedLock(w, r)
	if !ok {
		return
	}
	if err := s.svc.Locks.RemoteUnlock(r.Context(), lockID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("lock_id", lockID).Msg("remote unlock requested by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) sunbedLock(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return "", false
	}
	sunbed, err := s.svc.Sunbeds.GetSunbed(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return "", false
	}
	lockID, ok := sunbed.LockID()
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, errNoLock.Error())
		return "", false
	}
	return lockID, true
}

func (s *HTTPServer) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(s.auth.header(s.cfg.Auth.HeaderUserID, userIDHeaderDefault)))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "user id header is required")
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeBodyError(w, err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func statusForKind(kind service.Kind) int {
	switch kind {
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindConflict, service.KindInvalidTransition:
		return http.StatusConflict
	case service.KindDataInconsistency:
		return http.StatusUnprocessableEntity
	case service.KindRateLimited:
		return http.StatusTooManyRequests
	case service.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case service.KindExternalRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.Classify(err)
	statusCode := statusForKind(kind)
	if statusCode >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("kind", kind.String()).Msg("request failed")
	}
	if kind == service.KindInternal {
		writeError(w, statusCode, "internal error")
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error(), "kind": kind.String()})
}
