// Package slackapi is a thin synchronous client for the Slack Web API method
// surface. Every call is a form-encoded POST to <BaseURL><method> answered by a
// JSON envelope carrying an "ok" flag; retry policy belongs to the caller.
package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/sameroom/telemetry"
)

// DefaultBaseURL is the production Web API root.
const DefaultBaseURL = "https://slack.com/api/"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// Client invokes Web API methods with a bot or user token.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(method string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + method
}

// Response is a decoded Web API envelope. The full body is kept so callers can
// decode method-specific fields with Decode.
type Response struct {
	OK      bool
	Error   string
	Warning string
	body    []byte
}

// Decode unmarshals the full response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	return nil
}

// Raw returns the undecoded response body.
func (r *Response) Raw() []byte { return r.body }

// Call invokes method with params. With raiseOnError set, a response whose ok
// flag is false (or missing) is returned as a *RemoteAPIError; otherwise the
// caller inspects Response.OK itself. Transport and decoding failures are
// always returned as errors.
func (c *Client) Call(ctx context.Context, method string, params url.Values, raiseOnError bool) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "slackapi", "slack "+method, telemetry.SlackMethodAttr(method))
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, method, params)
	result := "ok"
	switch {
	case err != nil:
		result = "transport_error"
	case !resp.OK:
		result = "error"
	}
	telemetry.ObserveAPICall(method, result, time.Since(start))

	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !resp.OK {
		span.SetAttributes(telemetry.SlackErrorAttr(resp.Error))
		if raiseOnError {
			rerr := &RemoteAPIError{Method: method, Code: resp.Error}
			telemetry.RecordError(span, rerr)
			return nil, rerr
		}
	}
	telemetry.SetSpanSuccess(span)
	return resp, nil
}

func (c *Client) do(ctx context.Context, method string, params url.Values) (*Response, error) {
	if params == nil {
		params = url.Values{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("slack %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("slack %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("slack %s: rate limited (retry after %ss)", method, resp.Header.Get("Retry-After"))
		}
		return nil, fmt.Errorf("slack %s: unexpected status %s", method, resp.Status)
	}

	var env struct {
		OK      *bool  `json:"ok"`
		Error   string `json:"error"`
		Warning string `json:"warning"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	out := &Response{Error: env.Error, Warning: env.Warning, body: body}
	if env.OK == nil {
		out.Error = ErrCodeMalformedResponse
		return out, nil
	}
	out.OK = *env.OK
	if !out.OK && out.Error == "" {
		out.Error = "unknown_error"
	}
	if env.Warning != "" {
		slog.Debug("slack api warning", slog.String("method", method), slog.String("warning", env.Warning))
	}
	return out, nil
}
