package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	oauthPath    = "/oauth/v1/generate"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"
)

// Daraja talks to the provider directly. Only the proxy holds one, since it
// needs the consumer secret.
type Daraja struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	client         *http.Client
}

func NewDaraja(baseURL, consumerKey, consumerSecret string, timeout time.Duration) *Daraja {
	if baseURL == "" {
		baseURL = SandboxBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Daraja{
		BaseURL:        baseURL,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		client:         &http.Client{Timeout: timeout},
	}
}

// AccessToken exchanges the consumer credentials for a bearer token. Tokens
// are not cached: every forwarded call asks for a new one.
func (d *Daraja) AccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+oauthPath+"?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Basic "+BasicAuth(d.ConsumerKey, d.ConsumerSecret))

	status, body, err := d.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		log.WithFields(log.Fields{"status": status, "body": string(body)}).Error("access token request failed")
		return "", &UpstreamError{StatusCode: status, Body: body}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", &UpstreamError{StatusCode: status, Body: body}
	}
	return out.AccessToken, nil
}

// STKPush forwards a signed charge payload and returns the raw provider body.
func (d *Daraja) STKPush(ctx context.Context, payload []byte) ([]byte, error) {
	return d.forward(ctx, stkPushPath, payload)
}

// STKQuery forwards a signed status query and returns the raw provider body.
func (d *Daraja) STKQuery(ctx context.Context, payload []byte) ([]byte, error) {
	return d.forward(ctx, stkQueryPath, payload)
}

func (d *Daraja) forward(ctx context.Context, path string, payload []byte) ([]byte, error) {
	token, err := d.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	status, body, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &UpstreamError{StatusCode: status, Body: body}
	}
	return body, nil
}

func (d *Daraja) do(req *http.Request) (int, []byte, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
