package anthropic

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"portbroker/internal/providers"
	anthropicproto "portbroker/internal/proto/anthropic"
)

type Upstream struct {
	BaseURL string
	APIKey  string
	// Headers are applied last, so a provider can pin its own
	// anthropic-version.
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
	h.Set("anthropic-version", anthropicproto.DefaultAPIVersion)
	if strings.TrimSpace(up.APIKey) != "" {
		h.Set("x-api-key", strings.TrimSpace(up.APIKey))
	}
	providers.MergeHeaders(h, up.Headers)
}

// DoMessages posts body to the provider's messages endpoint. The returned
// response body is already decompressed.
func DoMessages(ctx context.Context, up Upstream, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providers.BuildURL(up.BaseURL, "/v1/messages"), bytes.NewReader(body))
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
