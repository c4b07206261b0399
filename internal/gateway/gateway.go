// Package gateway runs one generation request against the routed candidates
// in order until one succeeds or the list is exhausted.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"portbroker/internal/canonical"
	"portbroker/internal/convert"
	"portbroker/internal/gwerr"
	"portbroker/internal/logbus"
	"portbroker/internal/metrics"
	"portbroker/internal/providers"
	anthropicprovider "portbroker/internal/providers/anthropic"
	openaiprovider "portbroker/internal/providers/openai"
	"portbroker/internal/registry"
	"portbroker/internal/routing"
	"portbroker/internal/streamconv"
)

var errAttemptTimeout = errors.New("attempt timed out")

type Options struct {
	Registry *registry.Registry
	Client   *http.Client
	// StreamMaxBytes caps the bytes written to one streaming caller. Zero
	// means no ceiling.
	StreamMaxBytes int64
	Metrics        *metrics.Metrics
	Bus            *logbus.Bus
	Logger         *slog.Logger
}

type Gateway struct {
	reg       *registry.Registry
	resolver  routing.Resolver
	client    *http.Client
	streamMax int64
	m         *metrics.Metrics
	bus       *logbus.Bus
	log       *slog.Logger
}

func New(opts Options) *Gateway {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		reg:       opts.Registry,
		client:    client,
		streamMax: opts.StreamMaxBytes,
		m:         opts.Metrics,
		bus:       opts.Bus,
		log:       logger,
	}
}

// Call describes the caller side of one request.
type Call struct {
	Shape     canonical.Shape
	RequestID string
	// Sink receives the translated stream. Required when the request streams.
	Sink         streamconv.Sink
	RequestBytes int
}

type Result struct {
	Provider string
	Model    string
	Attempts int

	// Response and Body are set for non-streaming requests; Body is the
	// response encoded in the caller's shape.
	Response *canonical.Response
	Body     []byte

	Stream streamconv.Outcome
}

// Registry returns the registry the gateway routes from.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Plan resolves the routing key against the current snapshot and drops
// candidates whose provider is missing or inactive.
func (g *Gateway) Plan(key string) ([]registry.Candidate, *registry.Snapshot, error) {
	snap := g.reg.Current()
	if snap == nil {
		return nil, nil, gwerr.New(gwerr.KindNoRoute, "no routing configuration published")
	}
	cands, err := g.resolver.Resolve(snap, key)
	if err != nil {
		return nil, snap, err
	}
	out := cands[:0:0]
	for _, c := range cands {
		p, err := snap.ByID(c.ProviderID)
		if err != nil || !p.Active {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, snap, gwerr.New(gwerr.KindNoRoute, "no active provider for %q", key)
	}
	return out, snap, nil
}

// Execute tries each candidate strictly in order. Retriable failures move on
// to the next candidate; an auth failure also skips the failing provider's
// later candidates and an upstream shape failure is tolerated once. The
// surfaced error is the last classified failure with Attempts set.
func (g *Gateway) Execute(ctx context.Context, req *canonical.Request, call Call) (*Result, error) {
	start := time.Now()
	if req.Stream && call.Sink == nil {
		return nil, gwerr.New(gwerr.KindSchemaValidation, "streaming request without a sink")
	}

	cands, snap, err := g.Plan(req.TierOrModel)
	if err != nil {
		e := gwerr.As(err)
		g.finish(call, req, nil, e, 0, start)
		return nil, e
	}

	var (
		last         *gwerr.Error
		attempts     int
		shapeRetried bool
		excluded     = map[string]bool{}
	)
	for _, c := range cands {
		if excluded[c.ProviderID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			last = gwerr.Wrap(gwerr.KindCanceled, err, "request canceled: %v", err)
			break
		}
		p, _ := snap.ByID(c.ProviderID)
		attempts++

		attemptStart := time.Now()
		res, err := g.attempt(ctx, req, call, p, c.Model)
		if err == nil {
			res.Attempts = attempts
			g.recordAttempt(call, req, p, c.Model, attempts, nil, res, attemptStart)
			g.finish(call, req, res, nil, attempts, start)
			return res, nil
		}

		e := gwerr.As(err)
		if e.Provider == "" {
			e.Provider = p.ID
		}
		last = e
		g.recordAttempt(call, req, p, c.Model, attempts, e, nil, attemptStart)

		if !e.Retriable() || ctx.Err() != nil {
			break
		}
		if e.Kind == gwerr.KindProviderAuth {
			excluded[p.ID] = true
		}
		if e.Kind == gwerr.KindUpstreamShape {
			if shapeRetried {
				break
			}
			shapeRetried = true
		}
	}

	if last == nil {
		last = gwerr.New(gwerr.KindNoRoute, "no candidate left for %q", req.TierOrModel)
	}
	last.Attempts = attempts
	g.finish(call, req, nil, last, attempts, start)
	return nil, last
}

func (g *Gateway) attempt(ctx context.Context, req *canonical.Request, call Call, p registry.Provider, model string) (*Result, error) {
	body, err := encodeRequest(req, p.Shape, model)
	if err != nil {
		return nil, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = registry.DefaultTimeout
	}
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(timeout, func() { cancel(errAttemptTimeout) })

	resp, err := g.send(actx, p, body, req.Stream)
	if err != nil {
		timer.Stop()
		return nil, classify(ctx, actx, p.ID, timeout, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		timer.Stop()
		return nil, providers.ErrorFromResponse(p.ID, resp)
	}

	res := &Result{Provider: p.ID, Model: model}
	if !req.Stream {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		timer.Stop()
		if err != nil {
			return nil, classify(ctx, actx, p.ID, timeout, err)
		}
		out, err := decodeResponse(raw, p.Shape)
		if err != nil {
			e := gwerr.As(err)
			e.Provider = p.ID
			return nil, e
		}
		res.Response = out
		res.Body, err = encodeResponse(out, call.Shape, req.Model)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindUpstreamShape, err, "encode response: %v", err)
		}
		return res, nil
	}

	// Headers are in; the stream itself runs under the caller's context.
	defer resp.Body.Close()
	if !timer.Stop() {
		return nil, gwerr.Wrap(gwerr.KindProviderTimeout, errAttemptTimeout, "no response headers within %s", timeout)
	}
	t := streamconv.New(p.Shape, call.Shape, req.Model, p.ID)
	out, err := streamconv.Pump(actx, resp.Body, t, call.Sink, g.streamMax)
	res.Stream = out
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Gateway) send(ctx context.Context, p registry.Provider, body []byte, stream bool) (*http.Response, error) {
	switch p.Shape {
	case canonical.ShapeAnthropic:
		return anthropicprovider.DoMessages(ctx, anthropicprovider.Upstream{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, Client: g.client,
		}, body, stream)
	case canonical.ShapeOpenAI:
		return openaiprovider.DoChatCompletions(ctx, openaiprovider.Upstream{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, Client: g.client,
		}, body, stream)
	default:
		return nil, gwerr.New(gwerr.KindConfig, "provider %q has unknown shape %q", p.ID, p.Shape)
	}
}

// UpstreamModels asks a provider for its own model listing.
func (g *Gateway) UpstreamModels(ctx context.Context, providerID string) ([]string, error) {
	p, err := g.reg.ByID(providerID)
	if err != nil {
		return nil, err
	}
	var resp *http.Response
	switch p.Shape {
	case canonical.ShapeAnthropic:
		resp, err = anthropicprovider.DoModels(ctx, anthropicprovider.Upstream{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, Client: g.client,
		})
	default:
		resp, err = openaiprovider.DoModels(ctx, openaiprovider.Upstream{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, Client: g.client,
		})
	}
	if err != nil {
		return nil, classify(ctx, ctx, p.ID, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.ErrorFromResponse(p.ID, resp)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, ctx, p.ID, 0, err)
	}
	return providers.ParseModelIDs(raw), nil
}

// classify turns a transport failure into a kind. The attempt timer and the
// caller's context are told apart by the cancel cause.
func classify(parent, actx context.Context, provider string, timeout time.Duration, err error) *gwerr.Error {
	var e *gwerr.Error
	var ne net.Error
	switch {
	case errors.As(err, &e):
	case errors.Is(context.Cause(actx), errAttemptTimeout):
		e = gwerr.Wrap(gwerr.KindProviderTimeout, err, "no response within %s", timeout)
	case parent.Err() != nil:
		e = gwerr.Wrap(gwerr.KindCanceled, err, "caller went away: %v", parent.Err())
	case errors.As(err, &ne) && ne.Timeout():
		e = gwerr.Wrap(gwerr.KindProviderTimeout, err, "upstream timeout: %v", err)
	default:
		e = gwerr.Wrap(gwerr.KindProviderConnection, err, "upstream unreachable: %v", err)
	}
	if e.Provider == "" {
		e.Provider = provider
	}
	return e
}

func encodeRequest(req *canonical.Request, shape canonical.Shape, model string) ([]byte, error) {
	switch shape {
	case canonical.ShapeAnthropic:
		return convert.EncodeAnthropicRequest(req, model)
	case canonical.ShapeOpenAI:
		return convert.EncodeOpenAIRequest(req, model)
	default:
		return nil, gwerr.New(gwerr.KindConfig, "unknown provider shape %q", shape)
	}
}

func decodeResponse(raw []byte, shape canonical.Shape) (*canonical.Response, error) {
	if shape == canonical.ShapeAnthropic {
		return convert.DecodeAnthropicResponse(raw)
	}
	return convert.DecodeOpenAIResponse(raw)
}

func encodeResponse(resp *canonical.Response, shape canonical.Shape, model string) ([]byte, error) {
	if shape == canonical.ShapeAnthropic {
		return convert.EncodeAnthropicResponse(resp, model)
	}
	return convert.EncodeOpenAIResponse(resp, model)
}

func (g *Gateway) recordAttempt(call Call, req *canonical.Request, p registry.Provider, model string, n int, e *gwerr.Error, res *Result, start time.Time) {
	outcome := "ok"
	ev := logbus.Event{
		RequestID:     call.RequestID,
		Facade:        string(call.Shape),
		RequestModel:  req.Model,
		RouteKey:      req.TierOrModel,
		UpstreamModel: model,
		ProviderID:    p.ID,
		ProviderShape: string(p.Shape),
		Attempt:       n,
		Stream:        req.Stream,
		Status:        http.StatusOK,
		LatencyMs:     time.Since(start).Milliseconds(),
	}
	if e != nil {
		outcome = string(e.Kind)
		ev.Status = e.HTTPStatus()
		ev.Kind = string(e.Kind)
		ev.Error = e.Error()
		g.log.Warn("upstream attempt failed",
			"request_id", call.RequestID,
			"provider", p.ID,
			"model", model,
			"attempt", n,
			"kind", e.Kind,
			"retriable", e.Retriable(),
			"err", e.Error(),
		)
	} else {
		g.log.Debug("upstream attempt ok", "request_id", call.RequestID, "provider", p.ID, "model", model, "attempt", n)
	}
	if res != nil {
		ev.ResponseBytes = res.Stream.Bytes
		if !req.Stream {
			ev.ResponseBytes = int64(len(res.Body))
		}
	}
	g.m.ObserveAttempt(p.ID, outcome)
	g.bus.Publish(ev)
}

func (g *Gateway) finish(call Call, req *canonical.Request, res *Result, e *gwerr.Error, attempts int, start time.Time) {
	dur := time.Since(start)
	ev := logbus.Event{
		RequestID:    call.RequestID,
		Facade:       string(call.Shape),
		RequestModel: req.Model,
		RouteKey:     req.TierOrModel,
		Attempt:      attempts,
		Final:        true,
		Stream:       req.Stream,
		RequestBytes: call.RequestBytes,
		LatencyMs:    dur.Milliseconds(),
	}
	provider := ""
	status := http.StatusOK
	var usage canonical.Usage
	switch {
	case res != nil:
		provider = res.Provider
		ev.ProviderID = res.Provider
		ev.UpstreamModel = res.Model
		if req.Stream {
			usage = res.Stream.Usage
			ev.ResponseBytes = res.Stream.Bytes
			ev.Truncated = res.Stream.Truncated
			g.m.ObserveStream(string(call.Shape), res.Stream.Bytes, res.Stream.Truncated, "")
		} else {
			if res.Response != nil {
				usage = res.Response.Usage
			}
			ev.ResponseBytes = int64(len(res.Body))
		}
	case e != nil:
		provider = e.Provider
		ev.ProviderID = e.Provider
		status = e.HTTPStatus()
		ev.Kind = string(e.Kind)
		ev.Error = e.Error()
		if req.Stream && e.Delivered {
			g.m.ObserveStream(string(call.Shape), 0, false, string(e.Kind))
		}
	}
	ev.Status = status
	ev.InputTokens = usage.InputTokens
	ev.OutputTokens = usage.OutputTokens

	g.m.ObserveRequest(string(call.Shape), providerLabel(provider), status, dur)
	if attempts > 0 {
		g.m.ObserveAttempts(attempts)
	}
	g.bus.Publish(ev)

	attrs := []any{
		"request_id", call.RequestID,
		"facade", call.Shape,
		"model", req.Model,
		"route_key", req.TierOrModel,
		"provider", provider,
		"attempts", attempts,
		"status", status,
		"stream", req.Stream,
		"duration", dur,
	}
	if e != nil {
		g.log.Error("request failed", append(attrs, "kind", e.Kind, "err", e.Error())...)
		return
	}
	if res != nil && res.Stream.Truncated {
		attrs = append(attrs, "truncated", true)
	}
	g.log.Info("request served", attrs...)
}

func providerLabel(id string) string {
	if id == "" {
		return "none"
	}
	return id
}
