package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiResponse is the decoded body of a provider API call plus the HTTP
// status it arrived with. Adapters decide per-endpoint which statuses
// count as failures.
type apiResponse struct {
	Status int
	Body   map[string]any
	Raw    []byte
}

// doJSON performs an HTTP request with a JSON body (when body is non-nil)
// and decodes the JSON response. Transport failures and unreadable bodies
// come back as errors; HTTP-level failures do not, the caller inspects
// resp.Status.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &apiResponse{Status: resp.StatusCode, Raw: raw}
	if len(raw) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out.Body = decoded
		}
	}
	return out, nil
}

// decodeJSONBody decodes an http.Response body into out, tolerating an
// empty body.
func decodeJSONBody(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func bodyStr(body map[string]any, key string) string {
	if body == nil {
		return ""
	}
	if s, ok := body[key].(string); ok {
		return s
	}
	return ""
}

func bodyFloat(body map[string]any, key string) float64 {
	if body == nil {
		return 0
	}
	switch v := body[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func bodyMap(body map[string]any, key string) map[string]any {
	if body == nil {
		return nil
	}
	if m, ok := body[key].(map[string]any); ok {
		return m
	}
	return nil
}

func bodySlice(body map[string]any, key string) []any {
	if body == nil {
		return nil
	}
	if s, ok := body[key].([]any); ok {
		return s
	}
	return nil
}
