// Package controllerapi is a thin HTTP client for the Controller's
// bootstrap endpoint, POST /api/client/connect-config. Everything past
// this one endpoint (persistence, auth, quota arithmetic) belongs to the
// Controller; this package only knows how to ask "what should I connect
// to" and parse the reply.
package controllerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
)

// DefaultTimeout bounds the connect-config HTTP round trip.
const DefaultTimeout = 10 * time.Second

// KCPParamsDTO mirrors config.KCPParams over the wire.
type KCPParamsDTO struct {
	NoDelay  bool   `json:"nodelay"`
	Interval uint32 `json:"interval"`
	Resend   uint32 `json:"resend"`
	NC       bool   `json:"nc"`
}

// ConnectConfigResponse is the Controller's reply to a successful
// connect-config request.
type ConnectConfigResponse struct {
	ServerAddr string        `json:"server_addr"`
	ServerPort int           `json:"server_port"`
	Protocol   string        `json:"protocol"`
	KCP        *KCPParamsDTO `json:"kcp,omitempty"`
	ClientID   string        `json:"client_id"`
	ClientName string        `json:"client_name"`
}

// errorResponse is the Controller's reply on a 4xx rejection.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type connectConfigRequest struct {
	Token string `json:"token"`
}

// Client talks to one Controller's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against the Controller reachable at baseURL (e.g.
// "https://controller.example.com").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// ConnectConfig fetches the tunnel endpoint and assigned client identity for
// token. A 401/403/400/404 response is surfaced as errs.AuthRejected; any
// other transport failure as errs.Transport.
func (c *Client) ConnectConfig(ctx context.Context, token string) (*ConnectConfigResponse, error) {
	body, err := json.Marshal(connectConfigRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/client/connect-config", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.Transport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %s", errs.Transport, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out ConnectConfigResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%w: decode response: %s", errs.Transport, err)
		}
		return &out, nil

	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
		var eresp errorResponse
		_ = json.Unmarshal(raw, &eresp)
		if eresp.Message == "" {
			eresp.Message = string(raw)
		}
		return nil, fmt.Errorf("%w: %s: %s", errs.AuthRejected, eresp.Error, eresp.Message)

	default:
		return nil, fmt.Errorf("%w: unexpected status %d: %s", errs.Transport, resp.StatusCode, raw)
	}
}

// ParseKCP converts the DTO to config.KCPParams, returning nil if dto is nil.
func ParseKCP(dto *KCPParamsDTO) *config.KCPParams {
	if dto == nil {
		return nil
	}
	return &config.KCPParams{
		NoDelay:  dto.NoDelay,
		Interval: dto.Interval,
		Resend:   dto.Resend,
		NC:       dto.NC,
	}
}
