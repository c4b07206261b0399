package openai

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"portbroker/internal/providers"
)

type Upstream struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

func (up Upstream) client() *http.Client {
	if up.Client != nil {
		return up.Client
	}
	return http.DefaultClient
}

func (up Upstream) setAuth(h http.Header) {
	if strings.TrimSpace(up.APIKey) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(up.APIKey))
	}
	providers.MergeHeaders(h, up.Headers)
}

// DoChatCompletions posts body to the provider's chat completions endpoint.
// The returned response body is already decompressed.
func DoChatCompletions(ctx context.Context, up Upstream, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providers.BuildURL(up.BaseURL, "/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	up.setAuth(req.Header)
	return send(up.client(), req)
}

func DoModels(ctx context.Context, up Upstream) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providers.BuildURL(up.BaseURL, "/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	up.setAuth(req.Header)
	return send(up.client(), req)
}

func send(c *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if err := providers.DecodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
