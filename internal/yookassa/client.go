package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sunbed/internal/config"
	"sunbed/internal/domain"
	"sunbed/internal/models"
	"sunbed/internal/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Client is a thin HTTP client for the YooKassa v3 API. Credentials come from
// the payment account of each call, so one client serves every shop.
type Client struct {
	cfg    config.PaymentsConfig
	http   *http.Client
	logger *zerolog.Logger
	newKey func() string
}

var _ domain.PaymentGateway = (*Client)(nil)

func New(cfg config.PaymentsConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "yookassa").Logger()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: &l,
		newKey: func() string { return uuid.NewString() },
	}
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createPaymentRequest struct {
	Amount            amount            `json:"amount"`
	Capture           bool              `json:"capture"`
	Description       string            `json:"description"`
	Metadata          map[string]string `json:"metadata"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
	Confirmation      *confirmation     `json:"confirmation,omitempty"`
	SavePaymentMethod *bool             `json:"save_payment_method,omitempty"`
}

type paymentResponse struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Amount       amount        `json:"amount"`
	Confirmation *confirmation `json:"confirmation"`
}

type refundRequest struct {
	PaymentID string            `json:"payment_id"`
	Amount    amount            `json:"amount"`
	Metadata  map[string]string `json:"metadata"`
}

type refundResponse struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Amount    amount `json:"amount"`
}

// CreatePayment starts a payment. With PaymentMethodID set the saved card is
// charged directly, otherwise the answer carries a redirect confirmation URL.
func (c *Client) CreatePayment(ctx context.Context, account *models.PaymentAccount, req models.PaymentRequest) (*models.GatewayPayment, error) {
	if err := checkAccount(account); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("yookassa create payment: amount must be positive, got %s", req.Amount)
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if _, ok := meta["payment_account_id"]; !ok {
		meta["payment_account_id"] = strconv.FormatInt(account.ID, 10)
	}

	body := createPaymentRequest{
		Amount:      amount{Value: money.Format(req.Amount), Currency: c.cfg.Currency},
		Capture:     req.Capture,
		Description: req.Description,
		Metadata:    meta,
	}
	if req.PaymentMethodID != "" {
		body.PaymentMethodID = req.PaymentMethodID
	} else {
		returnURL := req.ReturnURL
		if returnURL == "" {
			returnURL = c.cfg.ReturnURL
		}
		save := req.SavePaymentMethod
		body.Confirmation = &confirmation{Type: "redirect", ReturnURL: returnURL}
		body.SavePaymentMethod = &save
	}

	var resp paymentResponse
	if err := c.do(ctx, account, "create_payment", http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, err
	}
	return toPayment(resp)
}

func (c *Client) GetPayment(ctx context.Context, account *models.PaymentAccount, paymentID string) (*models.GatewayPayment, error) {
	if err := checkAccount(account); err != nil {
		return nil, err
	}
	if paymentID == "" {
		return nil, fmt.Errorf("yookassa get payment: payment id is required")
	}

	var resp paymentResponse
	if err := c.do(ctx, account, "get_payment", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, err
	}
	return toPayment(resp)
}

// RefundPayment refunds the full captured amount of paymentID. The amount is
// read from the gateway first so partial captures are refunded exactly.
func (c *Client) RefundPayment(ctx context.Context, account *models.PaymentAccount, paymentID string, metadata map[string]string) (*models.GatewayRefund, error) {
	if len(metadata) == 0 {
		return nil, fmt.Errorf("yookassa refund: metadata is required")
	}

	payment, err := c.GetPayment(ctx, account, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Amount.IsPositive() {
		return nil, fmt.Errorf("yookassa refund: payment %s has no amount", paymentID)
	}

	body := refundRequest{
		PaymentID: paymentID,
		Amount:    amount{Value: money.Format(payment.Amount), Currency: payment.Currency},
		Metadata:  metadata,
	}

	var resp refundResponse
	if err := c.do(ctx, account, "refund", http.MethodPost, "/refunds", body, &resp); err != nil {
		return nil, err
	}

	refunded, err := parseAmount(resp.Amount)
	if err != nil {
		refunded = payment.Amount
	}
	c.logger.Info().Str("payment_id", paymentID).Str("refund_id", resp.ID).Str("amount", money.Format(refunded)).Msg("refund requested")

	return &models.GatewayRefund{
		ID:        resp.ID,
		PaymentID: paymentID,
		Status:    resp.Status,
		Amount:    refunded,
	}, nil
}

func (c *Client) do(ctx context.Context, account *models.PaymentAccount, op, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("yookassa %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("yookassa %s: build request: %w", op, err)
	}
	req.SetBasicAuth(account.ShopID, account.SecretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		// новый ключ на каждую попытку
		req.Header.Set("Idempotence-Key", c.newKey())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Int64("account_id", account.ID).Msg("gateway rejected request")
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func checkAccount(account *models.PaymentAccount) error {
	switch {
	case account == nil:
		return fmt.Errorf("%w: account is required", ErrAccount)
	case account.Provider != models.ProviderYooKassa:
		return fmt.Errorf("%w: provider %q", ErrAccount, account.Provider)
	case !account.IsActive:
		return fmt.Errorf("%w: account %d is inactive", ErrAccount, account.ID)
	}
	return nil
}

func toPayment(resp paymentResponse) (*models.GatewayPayment, error) {
	if resp.ID == "" {
		return nil, fmt.Errorf("yookassa: payment response has no id")
	}
	amt, err := parseAmount(resp.Amount)
	if err != nil {
		return nil, err
	}
	p := &models.GatewayPayment{
		ID:       resp.ID,
		Status:   resp.Status,
		Amount:   amt,
		Currency: resp.Amount.Currency,
	}
	if resp.Confirmation != nil {
		p.ConfirmationURL = resp.Confirmation.ConfirmationURL
	}
	return p, nil
}

func parseAmount(a amount) (decimal.Decimal, error) {
	if a.Value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(a.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("yookassa: bad amount %q: %w", a.Value, err)
	}
	return d, nil
}
