// Package kucoin implements the parts of the KuCoin public market-data API the
// feed needs: the bullet-token REST endpoint and the WebSocket frame protocol.
package kucoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"trading-radar/internal/model"
)

const (
	SpotAPI    = "https://api.kucoin.com"
	FuturesAPI = "https://api-futures.kucoin.com"

	BulletPublicPath = "/api/v1/bullet-public"
	SuccessCode      = "200000"
)

var (
	// ErrBadCode is returned when the REST envelope code is not SuccessCode.
	ErrBadCode  = errors.New("kucoin: unexpected response code")
	ErrNoServer = errors.New("kucoin: no websocket instance server")
)

// InstanceServer is one WebSocket endpoint offered with a bullet token.
// Intervals are in milliseconds on the wire.
type InstanceServer struct {
	Endpoint     string `json:"endpoint"`
	Protocol     string `json:"protocol"`
	Encrypt      bool   `json:"encrypt"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

// BulletResponse is the bullet endpoint envelope.
type BulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data struct {
		Token           string           `json:"token"`
		InstanceServers []InstanceServer `json:"instanceServers"`
	} `json:"data"`
}

// Client requests connection tokens from one KuCoin REST host.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a token client for baseURL (SpotAPI, FuturesAPI, or a
// simulator). A nil httpClient uses a client with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// BulletPublic fetches a fresh public connection token. Tokens are single-use;
// callers request one per connection attempt.
func (c *Client) BulletPublic(ctx context.Context) (model.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+BulletPublicPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return model.Token{}, fmt.Errorf("kucoin: bullet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Token{}, fmt.Errorf("kucoin: bullet: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Token{}, fmt.Errorf("kucoin: bullet read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Token{}, fmt.Errorf("kucoin: bullet: http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var br BulletResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return model.Token{}, fmt.Errorf("kucoin: bullet decode: %w", err)
	}
	return br.Token(time.Now())
}

// Token converts the envelope into a model.Token using the first websocket server.
func (br BulletResponse) Token(now time.Time) (model.Token, error) {
	if br.Code != SuccessCode {
		return model.Token{}, fmt.Errorf("%w: %s %s", ErrBadCode, br.Code, br.Msg)
	}
	if br.Data.Token == "" {
		return model.Token{}, fmt.Errorf("kucoin: bullet: empty token")
	}
	for _, s := range br.Data.InstanceServers {
		if s.Protocol != "" && s.Protocol != "websocket" {
			continue
		}
		return model.Token{
			Value:        br.Data.Token,
			Endpoint:     s.Endpoint,
			Protocol:     s.Protocol,
			Encrypt:      s.Encrypt,
			PingInterval: time.Duration(s.PingInterval) * time.Millisecond,
			PingTimeout:  time.Duration(s.PingTimeout) * time.Millisecond,
			IssuedAt:     now,
		}, nil
	}
	return model.Token{}, ErrNoServer
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
