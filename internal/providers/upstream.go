// Package providers holds what the per-shape upstream clients share:
// header merging, body decoding and classification of failed responses.
package providers

import (
	"compress/gzip"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"portbroker/internal/gwerr"
)

// maxErrorBody caps how much of a failed upstream body is read for its
// message.
const maxErrorBody = 64 << 10

// MergeHeaders sets provider-configured headers on top of the defaults.
// Blank keys and values are skipped.
func MergeHeaders(h http.Header, extra map[string]string) {
	for k, v := range extra {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		h.Set(k, v)
	}
}

// BuildURL joins base and path without doubling a /v1 suffix on base.
func BuildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var first error
	for _, c := range rc.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DecodeBody swaps resp.Body for a decompressing reader when the upstream
// answered with gzip or brotli content encoding.
func DecodeBody(resp *http.Response) error {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &readCloser{Reader: zr, closers: []io.Closer{zr, resp.Body}}
	case "br":
		resp.Body = &readCloser{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}
	default:
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// ErrorFromResponse classifies a non-2xx upstream response and closes its
// body. The message is taken from either shape's error envelope.
func ErrorFromResponse(provider string, resp *http.Response) *gwerr.Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return gwerr.FromStatus(provider, resp.StatusCode, ErrorMessage(body))
}

// ErrorMessage extracts a human message from an upstream error body.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error", "detail"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// ParseModelIDs reads a model listing in either shape ({"data":[{"id":..}]})
// or a bare array of ids or objects.
func ParseModelIDs(body []byte) []string {
	set := map[string]bool{}
	var collect func(v gjson.Result)
	collect = func(v gjson.Result) {
		v.ForEach(func(_, it gjson.Result) bool {
			switch {
			case it.Type == gjson.String:
				set[strings.TrimSpace(it.String())] = true
			case it.IsObject():
				set[strings.TrimSpace(it.Get("id").String())] = true
			}
			return true
		})
	}
	root := gjson.ParseBytes(body)
	switch {
	case root.IsArray():
		collect(root)
	case root.Get("data").IsArray():
		collect(root.Get("data"))
	case root.Get("models").IsArray():
		collect(root.Get("models"))
	}
	delete(set, "")
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
