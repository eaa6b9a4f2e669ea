// Package moderation は画像審査サービスの HTTP クライアントです。
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/motion-forge/internal/video"
)

// Client は審査サービスの HTTP クライアントです。
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient は Client を作成します。
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Check は画像を審査します。拒否は Verdict で返し、通信エラーのみ error を返します。
func (c *Client) Check(ctx context.Context, image []byte) (video.Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/check", bytes.NewReader(image))
	if err != nil {
		return video.Verdict{}, err
	}
	req.Header.Set("Content-Type", mimetype.Detect(image).String())

	resp, err := c.http.Do(req)
	if err != nil {
		return video.Verdict{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return video.Verdict{}, fmt.Errorf("moderation status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return video.Verdict{}, fmt.Errorf("decode moderation response: %w", err)
	}
	return video.Verdict{Allowed: out.Allowed, Reason: out.Reason}, nil
}
