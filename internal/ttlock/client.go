package ttlock

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sunbed/internal/config"
	"sunbed/internal/domain"
	"sunbed/internal/metrics"
	"sunbed/internal/models"
	"sunbed/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	circuitKey   = "circuit:ttlock"
	rateLimitKey = "ratelimit:ttlock"

	codePinExists = 10006
	pinAttempts   = 3

	opCreatePIN    = "create_pin"
	opDeletePIN    = "delete_pin"
	opQueryStatus  = "query_status"
	opListRecords  = "list_records"
	opRemoteUnlock = "remote_unlock"
)

// Client talks to the TTLock cloud API. Every call goes through the circuit
// breaker, both rate limiters and the retry loop, in that order.
type Client struct {
	cfg    config.TTLockConfig
	http   *http.Client
	state  domain.SharedState
	local  *rate.Limiter
	retry  worker.RetryPolicy
	logger *zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	pin   func() (string, error)
}

var _ domain.LockClient = (*Client)(nil)

// New builds a client. state is shared between processes and carries the
// rate-limit window and the breaker flag.
func New(cfg config.TTLockConfig, state domain.SharedState, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "ttlock").Logger()

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		limit = rate.Every(cfg.RateWindow / time.Duration(cfg.RateLimit))
		burst = cfg.RateLimit
	}

	return &Client{
		cfg:   cfg,
		http:  &http.Client{},
		state: state,
		local: rate.NewLimiter(limit, burst),
		retry: worker.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.InitialBackoff,
			BackoffFactor: cfg.BackoffFactor,
		},
		logger: &l,
		sleep:  worker.Sleep,
		now:    time.Now,
		pin:    generatePIN,
	}
}

// CreatePIN registers a random 6-digit keyboard password valid for
// [validFrom, validTo]. A collision with an existing PIN is retried with a new
// code a few times before giving up.
func (c *Client) CreatePIN(ctx context.Context, lockID string, validFrom, validTo time.Time) (*models.LockPIN, error) {
	id, err := parseLockID(opCreatePIN, lockID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= pinAttempts; attempt++ {
		code, err := c.pin()
		if err != nil {
			return nil, &Error{Op: opCreatePIN, Kind: KindConfig, Msg: "generate pin", Err: err}
		}

		form := c.form(id)
		form.Set("keyboardPwd", code)
		form.Set("keyboardPwdName", "booking")
		form.Set("startDate", strconv.FormatInt(validFrom.UnixMilli(), 10))
		form.Set("endDate", strconv.FormatInt(validTo.UnixMilli(), 10))
		form.Set("addType", "2")

		var resp struct {
			KeyboardPwdID int64 `json:"keyboardPwdId"`
		}
		err = c.call(ctx, opCreatePIN, "/v3/keyboardPwd/add", form, &resp)
		if err == nil {
			return &models.LockPIN{Code: code, PasswordID: strconv.FormatInt(resp.KeyboardPwdID, 10)}, nil
		}

		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Kind == KindAPI && apiErr.Code == codePinExists {
			c.logger.Debug().Str("lock_id", lockID).Int("attempt", attempt).Msg("PIN collision, regenerating")
			continue
		}
		return nil, err
	}

	return nil, &Error{Op: opCreatePIN, Kind: KindPinCollision, Code: codePinExists, Msg: "failed to generate unique PIN"}
}

func (c *Client) DeletePIN(ctx context.Context, lockID, passwordID string) error {
	id, err := parseLockID(opDeletePIN, lockID)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseInt(passwordID, 10, 64); err != nil {
		return &Error{Op: opDeletePIN, Kind: KindConfig, Msg: fmt.Sprintf("invalid password id %q", passwordID)}
	}

	form := c.form(id)
	form.Set("keyboardPwdId", passwordID)
	return c.call(ctx, opDeletePIN, "/v3/keyboardPwd/delete", form, nil)
}

// QueryStatus reads the live lock state. lockStatus 1 means locked.
func (c *Client) QueryStatus(ctx context.Context, lockID string) (*models.LockStatus, error) {
	id, err := parseLockID(opQueryStatus, lockID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		LockStatus *int `json:"lockStatus"`
	}
	if err := c.call(ctx, opQueryStatus, "/v3/lock/queryStatus", c.form(id), &resp); err != nil {
		return nil, err
	}
	if resp.LockStatus == nil {
		return nil, &Error{Op: opQueryStatus, Kind: KindAPI, Msg: "response has no lockStatus"}
	}

	return &models.LockStatus{LockID: lockID, Locked: *resp.LockStatus == 1}, nil
}

func (c *Client) ListRecords(ctx context.Context, lockID string, page, pageSize int) ([]models.LockRecord, error) {
	id, err := parseLockID(opListRecords, lockID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	form := c.form(id)
	form.Set("pageNo", strconv.Itoa(page))
	form.Set("pageSize", strconv.Itoa(pageSize))

	var resp struct {
		List []struct {
			RecordID    int64  `json:"recordId"`
			RecordType  int    `json:"recordType"`
			Success     int    `json:"success"`
			Username    string `json:"username"`
			KeyboardPwd string `json:"keyboardPwd"`
			LockDate    int64  `json:"lockDate"`
		} `json:"list"`
	}
	if err := c.call(ctx, opListRecords, "/v3/lockRecord/list", form, &resp); err != nil {
		return nil, err
	}

	records := make([]models.LockRecord, 0, len(resp.List))
	for _, r := range resp.List {
		records = append(records, models.LockRecord{
			RecordID:    r.RecordID,
			RecordType:  r.RecordType,
			Success:     r.Success == 1,
			Username:    r.Username,
			KeyboardPwd: r.KeyboardPwd,
			LockDate:    time.UnixMilli(r.LockDate).UTC(),
		})
	}
	return records, nil
}

func (c *Client) RemoteUnlock(ctx context.Context, lockID string) error {
	id, err := parseLockID(opRemoteUnlock, lockID)
	if err != nil {
		return err
	}
	return c.call(ctx, opRemoteUnlock, "/v3/lock/unlock", c.form(id), nil)
}

func (c *Client) form(lockID int64) url.Values {
	form := url.Values{}
	form.Set("clientId", c.cfg.ClientID)
	form.Set("accessToken", c.cfg.AccessToken)
	form.Set("lockId", strconv.FormatInt(lockID, 10))
	form.Set("date", strconv.FormatInt(c.now().UnixMilli(), 10))
	return form
}

// call runs one API operation through the resilience pipeline and decodes
// the JSON body into out when out is not nil.
func (c *Client) call(ctx context.Context, op, path string, form url.Values, out interface{}) error {
	err := c.pipeline(ctx, op, path, form, out)
	metrics.IncLockCall(op, outcome(err))
	return err
}

func (c *Client) pipeline(ctx context.Context, op, path string, form url.Values, out interface{}) error {
	if c.breakerOpen(ctx) {
		return &Error{Op: op, Kind: KindCircuitOpen, Msg: "circuit breaker is open"}
	}

	if err := c.local.Wait(ctx); err != nil {
		return &Error{Op: op, Kind: KindRateLimited, Msg: "local rate limit", Err: err}
	}

	if c.state != nil && c.cfg.RateLimit > 0 {
		n, err := c.state.IncrWindow(ctx, rateLimitKey, c.cfg.RateWindow)
		if err != nil {
			c.logger.Warn().Err(err).Msg("shared rate limit unavailable")
		} else if n > int64(c.cfg.RateLimit) {
			return &Error{Op: op, Kind: KindRateLimited, Msg: "rate limit exceeded"}
		}
	}

	var lastErr error
	attempts := c.retry.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.do(ctx, path, form)
		if err == nil {
			return decode(op, body, out)
		}

		var apiErr *Error
		if errors.As(err, &apiErr) {
			apiErr.Op = op
			return apiErr
		}
		if ctx.Err() != nil {
			return &Error{Op: op, Kind: KindUnavailable, Msg: "request cancelled", Err: ctx.Err()}
		}

		lastErr = err
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Int("max_attempts", attempts).Msg("TTLock request failed")

		if attempt < attempts {
			if err := c.sleep(ctx, c.retry.NextDelay(attempt)); err != nil {
				return &Error{Op: op, Kind: KindUnavailable, Msg: "request cancelled", Err: err}
			}
		}
	}

	c.openBreaker(ctx)
	return &Error{Op: op, Kind: KindUnavailable, Msg: "TTLock unavailable", Err: lastErr}
}

// do performs one HTTP attempt. Transport failures come back as plain errors,
// HTTP status failures as *Error.
func (c *Client) do(ctx context.Context, path string, form url.Values) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindConfig, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindAPI, Msg: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)}
	}
	return body, nil
}

func decode(op string, body []byte, out interface{}) error {
	var envelope struct {
		ErrCode *int   `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &Error{Op: op, Kind: KindAPI, Msg: "malformed response", Err: err}
	}
	if envelope.ErrCode != nil && *envelope.ErrCode != 0 {
		return &Error{Op: op, Kind: KindAPI, Code: *envelope.ErrCode, Msg: envelope.ErrMsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Kind: KindAPI, Msg: "malformed response", Err: err}
	}
	return nil
}

func (c *Client) breakerOpen(ctx context.Context) bool {
	if c.state == nil {
		return false
	}
	_, ok, err := c.state.Get(ctx, circuitKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("circuit state unavailable")
		return false
	}
	return ok
}

func (c *Client) openBreaker(ctx context.Context) {
	metrics.IncCircuitTrip()
	c.logger.Error().Dur("cooldown", c.cfg.CircuitCooldown).Msg("TTLock circuit breaker opened")
	if c.state == nil || c.cfg.CircuitCooldown <= 0 {
		return
	}
	// контекст вызова может быть уже отменен
	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.state.SetEX(setCtx, circuitKey, "1", c.cfg.CircuitCooldown); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store circuit state")
	}
}

func parseLockID(op, lockID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(lockID), 10, 64)
	if err != nil || id <= 0 {
		return 0, &Error{Op: op, Kind: KindConfig, Msg: fmt.Sprintf("invalid lock id %q", lockID)}
	}
	return id, nil
}

func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
