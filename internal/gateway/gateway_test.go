package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/logbus"
	"portbroker/internal/metrics"
	"portbroker/internal/registry"
	"portbroker/internal/sse"
)

const (
	openAIOK    = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"up","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`
	anthropicOK = `{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func streamBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}
}

func provider(id string, shape canonical.Shape, u *upstream, timeout time.Duration) registry.Provider {
	return registry.Provider{
		ID: id, Shape: shape, BaseURL: u.URL, APIKey: "sk-" + id,
		Active: true, Timeout: timeout,
		Tiers: registry.Tiers{Small: id + "-small"},
	}
}

func flat(model string, ids ...string) registry.Strategy {
	st := registry.Strategy{ID: "flat", Layout: registry.LayoutFlat, Active: true}
	for _, id := range ids {
		st.Candidates = append(st.Candidates, registry.Candidate{ProviderID: id, Model: model})
	}
	return st
}

func newGateway(t *testing.T, cfg registry.Config, streamMax int64) (*Gateway, *logbus.Bus) {
	t.Helper()
	reg := registry.New()
	_, err := reg.Publish(cfg)
	require.NoError(t, err)
	bus := logbus.New(50)
	return New(Options{
		Registry:       reg,
		StreamMaxBytes: streamMax,
		Metrics:        metrics.New(),
		Bus:            bus,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), bus
}

func request(model string, stream bool) *canonical.Request {
	max := 64
	return &canonical.Request{
		Model:       model,
		TierOrModel: model,
		Messages:    []canonical.Message{{Role: canonical.RoleUser, Content: []canonical.Block{canonical.Text{Text: "hi"}}}},
		MaxTokens:   &max,
		Stream:      stream,
	}
}

type bufSink struct {
	buf bytes.Buffer
}

func (s *bufSink) WriteFrame(f sse.Frame) error {
	s.buf.Write(f.Bytes())
	return nil
}

func (s *bufSink) Written() int64 { return int64(s.buf.Len()) }

func TestFailoverAfterTwoTimeouts(t *testing.T) {
	slow1 := newUpstream(t, hang)
	slow2 := newUpstream(t, hang)
	ok := newUpstream(t, respond(200, openAIOK))

	g, bus := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("p1", canonical.ShapeOpenAI, slow1, 50*time.Millisecond),
			provider("p2", canonical.ShapeOpenAI, slow2, 50*time.Millisecond),
			provider("p3", canonical.ShapeOpenAI, ok, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "p1", "p2", "p3")},
	}, 0)

	res, err := g.Execute(context.Background(), request("m", false), Call{Shape: canonical.ShapeAnthropic, RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "p3", res.Provider)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(1), slow1.hits.Load())
	assert.Equal(t, int32(1), slow2.hits.Load())
	assert.Contains(t, string(res.Body), `"type":"message"`)
	assert.Contains(t, string(res.Body), `"model":"m"`)
	assert.Equal(t, 3, res.Response.Usage.InputTokens)

	var kinds []string
	for _, ev := range bus.Recent() {
		if !ev.Final {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []string{string(gwerr.KindProviderTimeout), string(gwerr.KindProviderTimeout), ""}, kinds)
}

func TestInactiveProviderNeverAttempted(t *testing.T) {
	off := newUpstream(t, respond(200, openAIOK))
	on := newUpstream(t, respond(200, anthropicOK))

	offP := provider("off", canonical.ShapeOpenAI, off, time.Second)
	offP.Active = false
	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{offP, provider("on", canonical.ShapeAnthropic, on, time.Second)},
		Strategies: []registry.Strategy{{
			ID: "tiers", Layout: registry.LayoutTiered, Active: true,
			Tiers: map[string][]registry.Candidate{
				canonical.TierSmall: {{ProviderID: "off"}, {ProviderID: "on"}},
			},
		}},
	}, 0)

	req := request("claude-3-5-haiku", false)
	req.TierOrModel = canonical.TierSmall
	res, err := g.Execute(context.Background(), req, Call{Shape: canonical.ShapeOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "on", res.Provider)
	assert.Equal(t, "on-small", res.Model)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, off.hits.Load())
	assert.Contains(t, string(res.Body), `"object":"chat.completion"`)
}

func TestAuthFailureExcludesProvider(t *testing.T) {
	bad := newUpstream(t, respond(401, `{"error":{"message":"bad key"}}`))
	down := newUpstream(t, respond(500, `{"error":{"message":"boom"}}`))

	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, bad, time.Second),
			provider("b", canonical.ShapeOpenAI, down, time.Second),
		},
		Strategies: []registry.Strategy{{
			ID: "flat", Layout: registry.LayoutFlat, Active: true,
			Candidates: []registry.Candidate{
				{ProviderID: "a", Model: "m"},
				{ProviderID: "b", Model: "m"},
				{ProviderID: "a", Model: "m"},
			},
		}},
	}, 0)

	_, err := g.Execute(context.Background(), request("m", false), Call{Shape: canonical.ShapeOpenAI})
	require.Error(t, err)
	var e *gwerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, gwerr.KindProviderConnection, e.Kind)
	assert.Equal(t, "b", e.Provider)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, int32(1), bad.hits.Load())
}

func TestNonRetriableStopsImmediately(t *testing.T) {
	rejects := newUpstream(t, respond(400, `{"error":{"message":"context too long"}}`))
	ok := newUpstream(t, respond(200, openAIOK))

	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, rejects, time.Second),
			provider("b", canonical.ShapeOpenAI, ok, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "a", "b")},
	}, 0)

	_, err := g.Execute(context.Background(), request("m", false), Call{Shape: canonical.ShapeOpenAI})
	require.Error(t, err)
	e := gwerr.As(err)
	assert.Equal(t, gwerr.KindProviderRequest, e.Kind)
	assert.Equal(t, 400, e.HTTPStatus())
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.Error(), "context too long")
	assert.Zero(t, ok.hits.Load())
}

func TestShapeErrorRetriedOnce(t *testing.T) {
	var ups []*upstream
	var provs []registry.Provider
	for _, id := range []string{"a", "b", "c"} {
		u := newUpstream(t, respond(200, `{"unexpected":true}`))
		ups = append(ups, u)
		provs = append(provs, provider(id, canonical.ShapeOpenAI, u, time.Second))
	}
	g, _ := newGateway(t, registry.Config{Providers: provs, Strategies: []registry.Strategy{flat("m", "a", "b", "c")}}, 0)

	_, err := g.Execute(context.Background(), request("m", false), Call{Shape: canonical.ShapeOpenAI})
	require.Error(t, err)
	e := gwerr.As(err)
	assert.Equal(t, gwerr.KindUpstreamShape, e.Kind)
	assert.Equal(t, 2, e.Attempts)
	assert.Zero(t, ups[2].hits.Load())
}

func TestExhaustionKeepsLastErrorAndAttempts(t *testing.T) {
	r1 := newUpstream(t, respond(429, `{"error":{"message":"slow down"}}`))
	r2 := newUpstream(t, respond(429, `{"type":"error","error":{"type":"rate_limit_error","message":"quota"}}`))

	g, bus := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, r1, time.Second),
			provider("b", canonical.ShapeAnthropic, r2, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "a", "b")},
	}, 0)

	_, err := g.Execute(context.Background(), request("m", false), Call{Shape: canonical.ShapeAnthropic})
	require.Error(t, err)
	e := gwerr.As(err)
	assert.True(t, errors.Is(err, gwerr.RateLimited))
	assert.Equal(t, "b", e.Provider)
	assert.Equal(t, 2, e.Attempts)
	assert.Contains(t, e.Error(), "quota")
	assert.Contains(t, e.Error(), "after 2 attempt(s)")

	recent := bus.Recent()
	require.NotEmpty(t, recent)
	final := recent[len(recent)-1]
	assert.True(t, final.Final)
	assert.Equal(t, 429, final.Status)
}

func TestNoRouteBeforeAnyAttempt(t *testing.T) {
	g, _ := newGateway(t, registry.Config{}, 0)
	_, err := g.Execute(context.Background(), request("nothing", false), Call{Shape: canonical.ShapeOpenAI})
	assert.True(t, errors.Is(err, gwerr.NoRoute))
	assert.Equal(t, 0, gwerr.As(err).Attempts)
}

func TestCanceledCallerIsNotRetried(t *testing.T) {
	slow := newUpstream(t, hang)
	ok := newUpstream(t, respond(200, openAIOK))
	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, slow, 5*time.Second),
			provider("b", canonical.ShapeOpenAI, ok, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "a", "b")},
	}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Execute(ctx, request("m", false), Call{Shape: canonical.ShapeOpenAI})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindCanceled, gwerr.As(err).Kind)
	assert.Zero(t, ok.hits.Load())
}

const openAIStream = "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"up\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hel\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"up\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestStreamingFailoverBeforeFirstByte(t *testing.T) {
	empty := newUpstream(t, streamBody(""))
	good := newUpstream(t, streamBody(openAIStream))

	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, empty, time.Second),
			provider("b", canonical.ShapeOpenAI, good, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "a", "b")},
	}, 0)

	sink := &bufSink{}
	res, err := g.Execute(context.Background(), request("m", true), Call{Shape: canonical.ShapeAnthropic, Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 2, res.Attempts)

	out := sink.buf.String()
	assert.Equal(t, 1, strings.Count(out, "event: message_start"))
	assert.Contains(t, out, `"text":"hel"`)
	assert.Contains(t, out, `"text":"lo"`)
	assert.True(t, strings.HasSuffix(out, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"), out)
	assert.Equal(t, int64(len(out)), res.Stream.Bytes)
}

func TestStreamingFailureAfterDeliveryIsTerminal(t *testing.T) {
	partial := "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"up\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hel\"}}]}\n\n"
	broken := newUpstream(t, streamBody(partial))
	good := newUpstream(t, streamBody(openAIStream))

	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{
			provider("a", canonical.ShapeOpenAI, broken, time.Second),
			provider("b", canonical.ShapeOpenAI, good, time.Second),
		},
		Strategies: []registry.Strategy{flat("m", "a", "b")},
	}, 0)

	sink := &bufSink{}
	_, err := g.Execute(context.Background(), request("m", true), Call{Shape: canonical.ShapeOpenAI, Sink: sink})
	require.Error(t, err)
	e := gwerr.As(err)
	assert.True(t, e.Delivered)
	assert.Equal(t, 1, e.Attempts)
	assert.Zero(t, good.hits.Load())

	out := sink.buf.String()
	assert.Contains(t, out, `"content":"hel"`)
	assert.Contains(t, out, `"error"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"), out)
}

func TestStreamingTruncationIsSuccess(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"up\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"0123456789\"}}]}\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	long := newUpstream(t, streamBody(b.String()))

	g, _ := newGateway(t, registry.Config{
		Providers:  []registry.Provider{provider("a", canonical.ShapeOpenAI, long, time.Second)},
		Strategies: []registry.Strategy{flat("m", "a")},
	}, 1024)

	sink := &bufSink{}
	res, err := g.Execute(context.Background(), request("m", true), Call{Shape: canonical.ShapeOpenAI, Sink: sink})
	require.NoError(t, err)
	assert.True(t, res.Stream.Truncated)
	out := sink.buf.String()
	assert.Equal(t, 1, strings.Count(out, `"truncated":true`))
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestStreamingWithoutSink(t *testing.T) {
	g, _ := newGateway(t, registry.Config{}, 0)
	_, err := g.Execute(context.Background(), request("m", true), Call{Shape: canonical.ShapeOpenAI})
	assert.True(t, errors.Is(err, gwerr.SchemaValidation))
}

func TestUpstreamModels(t *testing.T) {
	u := newUpstream(t, respond(200, `{"data":[{"id":"b"},{"id":"a"}]}`))
	g, _ := newGateway(t, registry.Config{
		Providers: []registry.Provider{provider("a", canonical.ShapeAnthropic, u, time.Second)},
	}, 0)
	ids, err := g.UpstreamModels(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, err = g.UpstreamModels(context.Background(), "missing")
	assert.True(t, errors.Is(err, gwerr.NotFound))
}
