// Package gateway is the payment gateway client. It signs STK requests and
// sends them through the payment proxy, which owns the provider credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/mpesa"
	log "github.com/sirupsen/logrus"
)

const (
	tokenPath  = "/api/mpesa/token"
	stkPath    = "/api/mpesa/stkpush"
	statusPath = "/api/mpesa/status"

	processingDesc = "Transaction is being processed"
)

type Client struct {
	ProxyURL    string
	CallbackURL string
	signer      *mpesa.Signer
	http        *http.Client
}

func NewClient(proxyURL, shortCode, passKey, callbackURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		ProxyURL:    proxyURL,
		CallbackURL: callbackURL,
		signer:      mpesa.NewSigner(shortCode, passKey),
		http:        &http.Client{Timeout: timeout},
	}
}

// WithSigner swaps the signer, mainly so tests can pin the clock.
func (c *Client) WithSigner(s *mpesa.Signer) *Client {
	c.signer = s
	return c
}

type stkResponse struct {
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	ResponseCode        mpesa.Code `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	CustomerMessage     string     `json:"CustomerMessage"`
}

type statusResponse struct {
	ResultCode         mpesa.Code `json:"ResultCode"`
	ResultDesc         string     `json:"ResultDesc"`
	MpesaReceiptNumber string     `json:"MpesaReceiptNumber"`
	CheckoutRequestID  string     `json:"CheckoutRequestID"`
}

// proxyError is the body the proxy sends with a 500.
type proxyError struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

type providerError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiateCharge sends an STK push for req. It returns the checkout session
// when the provider accepted the request and *mpesa.ChargeRejectedError when
// it did not.
func (c *Client) InitiateCharge(ctx context.Context, req api.PaymentRequest) (*api.CheckoutSession, error) {
	amount := req.Amount.Round(0).IntPart()
	if !req.Amount.IsPositive() || amount < 1 {
		return nil, mpesa.ErrInvalidAmount
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticate with M-Pesa: %w", err)
	}

	timestamp, password := c.signer.Sign()
	payload := api.STKPushPayload{
		BusinessShortCode: c.signer.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   mpesa.TransactionTypePayBill,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.signer.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackURL,
		AccountReference:  mpesa.AccountReference(req.AccountReference),
		TransactionDesc:   mpesa.TransactionDesc(req.TransactionDescription),
	}

	log.WithFields(log.Fields{
		"phone":     phone,
		"amount":    amount,
		"reference": payload.AccountReference,
		"timestamp": timestamp,
	}).Info("Initiating STK push")

	var out stkResponse
	if err := c.post(ctx, stkPath, token, payload, &out); err != nil {
		return nil, err
	}

	if out.ResponseCode != api.ResultSuccess {
		return nil, &mpesa.ChargeRejectedError{Code: string(out.ResponseCode), Description: out.ResponseDescription}
	}
	if out.CheckoutRequestID == "" {
		return nil, fmt.Errorf("invalid STK push response: missing CheckoutRequestID")
	}

	return &api.CheckoutSession{
		CheckoutRequestID:   out.CheckoutRequestID,
		MerchantRequestID:   out.MerchantRequestID,
		ResponseCode:        string(out.ResponseCode),
		ResponseDescription: out.ResponseDescription,
		CustomerMessage:     out.CustomerMessage,
	}, nil
}

// QueryStatus asks the provider for the state of a checkout. A response with
// no ResultCode comes back as a pending status, not an error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error) {
	if checkoutRequestID == "" {
		return nil, mpesa.ErrMissingCheckoutID
	}

	timestamp, password := c.signer.Sign()
	payload := api.StatusQueryPayload{
		BusinessShortCode: c.signer.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var out statusResponse
	if err := c.post(ctx, statusPath, "", payload, &out); err != nil {
		return nil, err
	}

	status := &api.TransactionStatus{
		ResultCode:         string(out.ResultCode),
		ResultDesc:         out.ResultDesc,
		MpesaReceiptNumber: out.MpesaReceiptNumber,
		CheckoutRequestID:  checkoutRequestID,
	}
	if status.IsPending() && status.ResultDesc == "" {
		status.ResultDesc = processingDesc
	}
	return status, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProxyURL+tokenPath, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &mpesa.UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return out.AccessToken, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ProxyURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return classifyProxyError(path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// classifyProxyError turns a provider-side refusal of an STK push into a
// ChargeRejectedError so the caller sees the provider's message.
func classifyProxyError(path string, statusCode int, body []byte) error {
	upstream := &mpesa.UpstreamError{StatusCode: statusCode, Body: body}
	if path != stkPath {
		return upstream
	}

	var pe proxyError
	if err := json.Unmarshal(body, &pe); err != nil || len(pe.Details) == 0 {
		return upstream
	}
	var details providerError
	if err := json.Unmarshal(pe.Details, &details); err != nil || details.ErrorMessage == "" {
		return upstream
	}
	return &mpesa.ChargeRejectedError{Code: details.ErrorCode, Description: details.ErrorMessage}
}
