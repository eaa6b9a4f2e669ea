// Package synth は動画生成サービスの HTTP クライアントです。
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/motion-forge/internal/video"
)

// Error は生成サービスのエラーです。Temporary が true の場合は再試行できます。
type Error struct {
	Status  int
	Message string
	temp    bool
	cause   error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("synth: status %d: %s", e.Status, e.Message)
	}
	return "synth: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Temporary は再試行で回復しうるエラーかどうかを返します。
func (e *Error) Temporary() bool {
	return e.temp
}

// Client は生成サービスの HTTP クライアントです。
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient は Client を作成します。hc が nil の場合は既定のクライアントを使います。
func NewClient(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
	}
}

type synthesizeRequest struct {
	Image        []byte  `json:"image"`
	Variant      string  `json:"variant"`
	Style        string  `json:"style"`
	Intensity    float64 `json:"intensity"`
	MotionPreset string  `json:"motionPreset,omitempty"`
	DurationSec  int     `json:"durationSec,omitempty"`
}

type synthesizeResponse struct {
	Primary     []byte  `json:"primary"`
	Thumbnail   []byte  `json:"thumbnail"`
	Preview     []byte  `json:"preview"`
	DurationSec float64 `json:"durationSec"`
	CostUnits   int     `json:"costUnits"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Synthesize は元画像とパラメータから動画素材を生成します。
func (c *Client) Synthesize(ctx context.Context, image []byte, variant video.Variant, params video.Params) (*video.Media, error) {
	body, err := json.Marshal(synthesizeRequest{
		Image:        image,
		Variant:      string(variant),
		Style:        params.Style,
		Intensity:    params.Intensity,
		MotionPreset: params.MotionPreset,
		DurationSec:  params.DurationSec,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: "request failed", temp: isTemporaryNetErr(err), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg, temp: temporaryStatus(resp.StatusCode)}
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Message: "decode response", temp: true, cause: err}
	}
	if len(out.Primary) == 0 || len(out.Thumbnail) == 0 || len(out.Preview) == 0 {
		return nil, &Error{Message: "response is missing media", temp: true}
	}
	return &video.Media{
		Primary:     out.Primary,
		Thumbnail:   out.Thumbnail,
		Preview:     out.Preview,
		DurationSec: out.DurationSec,
		CostUnits:   out.CostUnits,
	}, nil
}

func temporaryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// 呼び出し側の取り消し以外の通信エラーは一時的なものとして扱う
func isTemporaryNetErr(err error) bool {
	return !errors.Is(err, context.Canceled)
}
