package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// execHTTP issues an outbound request with resolved url/method/headers/
// body. A 2xx response stores the parsed body under
// updatedContext.httpResponse; anything else fails the action with
// diagnostics.
func (d *Dispatcher) execHTTP(ctx context.Context, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.HTTPParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}

	rawURL := d.deps.Resolver.ResolveString(ctx, params.URL, scope)
	if rawURL == "" {
		return fail("http_request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return failf("http_request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := defaultHTTPTimeout
	if params.Timeout != "" {
		if parsed, err := time.ParseDuration(params.Timeout); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	var bodyReader io.Reader
	if params.Body != nil {
		resolved := d.deps.Resolver.Resolve(ctx, params.Body, scope)
		b, err := json.Marshal(resolved)
		if err != nil {
			return failf("http_request: marshal body: %v", err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return failf("http_request: build request: %v", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range params.Headers {
		req.Header.Set(k, d.deps.Resolver.ResolveString(ctx, v, scope))
	}

	start := time.Now()
	resp, err := d.deps.HTTPClient.Do(req)
	if err != nil {
		return failf("http_request: %s %s failed: %v", method, rawURL, err)
	}
	defer resp.Body.Close()
	durationMs := time.Since(start).Milliseconds()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return failf("http_request: read response body: %v", err)
	}

	parsedBody := parseResponseBody(resp.Header.Get("Content-Type"), bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Result{
			Success: false,
			Message: "http_request: server returned " + resp.Status,
			UpdatedContext: map[string]any{
				"httpResponse": map[string]any{
					"statusCode": resp.StatusCode,
					"body":       parsedBody,
					"durationMs": durationMs,
				},
			},
		}
	}

	return &Result{
		Success: true,
		Message: resp.Status,
		UpdatedContext: map[string]any{
			"httpResponse": map[string]any{
				"statusCode": resp.StatusCode,
				"body":       parsedBody,
				"durationMs": durationMs,
			},
		},
	}
}

func parseResponseBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}
