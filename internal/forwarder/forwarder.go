// Package forwarder implements the Streaming Forwarder (C9): body and
// header transforms, byte-for-byte streaming proxying to an upstream
// provider with forced flush, usage extraction off a rolling tail buffer,
// and the completion/failure hooks into the Circuit Breaker, Model
// Resolver, and usage log.
package forwarder

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentoven/botgateway/internal/breaker"
	"github.com/agentoven/botgateway/internal/resolver"
	"github.com/agentoven/botgateway/internal/routing"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog/log"
)

// upstreamTimeout is §4.9's hard ceiling on a single forward attempt.
const upstreamTimeout = 120 * time.Second

// tailBufferSize bounds the rolling usage-extraction buffer per §9's design
// note: a fixed ring rather than accumulating the whole response body.
const tailBufferSize = 64 * 1024

// completionQueueCapacity bounds the fire-and-forget post-delivery queue
// (usage log write, health update, quota hook) per §5/§9: a single bounded
// queue with one consumer, drop-oldest on a full queue, never an unbounded
// goroutine per request — the same shape internal/tokens's touchCh and
// internal/quota's saveCh use for their own background writes.
const completionQueueCapacity = 1024

// hopByHopHeaders are stripped from both directions per §4.9.
var hopByHopHeaders = []string{"Connection", "Transfer-Encoding", "Content-Length"}

// completionEvent bundles everything a finished attempt's background work
// needs: the usage log row to persist, the health update to apply, and
// (success only) the quota tracker's usage hook.
type completionEvent struct {
	entry         *models.BotUsageLog
	credentialID  string
	model         string
	healthSuccess bool
	trackUsage    bool
	botID         string
	reqTokens     int
	respTokens    int
}

// Forwarder proxies one routed request to its upstream credential.
type Forwarder struct {
	client   *http.Client
	breaker  *breaker.Breaker
	resolver *resolver.Resolver
	usageLog store.UsageLogStore
	onUsage  func(ctx context.Context, botID string, reqTokens, respTokens int, model string)

	completionCh chan completionEvent
	doneCh       chan struct{}
}

// New constructs a Forwarder and starts its single background consumer for
// post-delivery writes. onUsage, if non-nil, is invoked from that consumer
// after a successful forward so internal/quota can track cost without
// sitting on the response-write hot path.
func New(ctx context.Context, br *breaker.Breaker, res *resolver.Resolver, usageLog store.UsageLogStore, onUsage func(ctx context.Context, botID string, reqTokens, respTokens int, model string)) *Forwarder {
	f := &Forwarder{
		client:       &http.Client{Timeout: upstreamTimeout},
		breaker:      br,
		resolver:     res,
		usageLog:     usageLog,
		onUsage:      onUsage,
		completionCh: make(chan completionEvent, completionQueueCapacity),
		doneCh:       make(chan struct{}),
	}
	go f.runCompletionConsumer(ctx)
	return f
}

func (f *Forwarder) runCompletionConsumer(ctx context.Context) {
	defer close(f.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.completionCh:
			f.applyCompletion(ctx, ev)
		}
	}
}

func (f *Forwarder) applyCompletion(ctx context.Context, ev completionEvent) {
	if ev.entry != nil {
		if err := f.usageLog.CreateUsageLog(ctx, ev.entry); err != nil {
			log.Warn().Err(err).Msg("Usage log write failed")
		}
	}
	if err := f.resolver.UpdateHealth(ctx, ev.credentialID, ev.model, ev.healthSuccess); err != nil {
		log.Warn().Err(err).Msg("Health update after forward failed")
	}
	if ev.trackUsage && f.onUsage != nil {
		f.onUsage(ctx, ev.botID, ev.reqTokens, ev.respTokens, ev.model)
	}
}

func (f *Forwarder) enqueueCompletion(ev completionEvent) {
	select {
	case f.completionCh <- ev:
	default:
		// Queue full — drop the oldest pending completion to make room
		// rather than block the caller's hot path.
		select {
		case <-f.completionCh:
		default:
		}
		select {
		case f.completionCh <- ev:
		default:
		}
	}
}

// Request bundles everything Forward needs to dial one upstream attempt.
type Request struct {
	Route      *routing.Route
	BotID      string
	Method     string
	UpstreamURL string // full URL including path, already vendor-resolved
	Body       map[string]interface{}
	InHeader   http.Header
	Vendor     string // for usage-log vendor field; equals apiType unless routed cross-vendor
}

// Result summarizes a finished (delivered or exhausted) attempt for caller
// logging; only Deliver populates it.
type Result struct {
	StatusCode     int
	RequestTokens  int
	ResponseTokens int
	DurationMs     int64
	Err            error
}

// Attempt is one dial of an upstream credential, left un-committed to the
// client until the caller (internal/api, consulting C8) decides whether to
// retry a different candidate. This structurally implements §4.9: "on
// failure with unsent response headers, signal the caller for fallback
// consideration" — the only way to guarantee headers are unsent at that
// point is to not write them until the retry decision is made.
type Attempt struct {
	resp       *http.Response // non-nil only when StatusCode is 2xx; body unread
	StatusCode int
	ErrorType  string
	ErrBody    string
	Err        error
	DurationMs int64

	req    Request
	start  time.Time
	cancel context.CancelFunc
}

// Succeeded reports whether Dial obtained a 2xx response still awaiting
// delivery. Callers outside this package must check this before calling
// Deliver — Attempt's response handle is otherwise unexported.
func (a *Attempt) Succeeded() bool { return a.resp != nil }

// maxErrorBodyPeek bounds how much of a non-2xx body is read for error-type
// classification before the connection is released back to the pool.
const maxErrorBodyPeek = 8 * 1024

// Dial sends one upstream request. On a qualifying failure it records the
// breaker/health failure itself and returns with resp left closed — the
// caller only needs Attempt.ErrorType/StatusCode to decide whether to retry.
// On a 2xx it leaves the response body open for Deliver to stream.
func (f *Forwarder) Dial(ctx context.Context, req Request) Attempt {
	start := time.Now()
	at := Attempt{req: req, start: start}

	body := transformBody(req.Body, req.Route.ApiType)
	payload, err := json.Marshal(body)
	if err != nil {
		at.Err = fmt.Errorf("forwarder: body marshal failed: %w", err)
		at.DurationMs = sinceMs(start)
		return at
	}

	targetURL := appendVendorQueryParams(req.UpstreamURL, req.Route.Credential.Metadata)

	dialCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	upstreamReq, err := http.NewRequestWithContext(dialCtx, req.Method, targetURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		at.Err = fmt.Errorf("forwarder: request build failed: %w", err)
		at.DurationMs = sinceMs(start)
		return at
	}
	applyHeaders(upstreamReq, req.InHeader, req.Route.ApiType, req.Route.APIKey, targetURL)

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		cancel()
		at.Err = err
		at.ErrorType = classifyError(dialCtx, 0, "", err)
		at.DurationMs = sinceMs(start)
		f.recordFailure(req, 0, at.ErrorType, err.Error(), at.DurationMs)
		return at
	}

	at.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Deliver takes ownership of resp.Body and dialCtx's cancel.
		at.resp = resp
		at.cancel = cancel
		return at
	}

	defer cancel()
	defer resp.Body.Close()
	peek, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPeek))
	at.ErrBody = string(peek)
	at.DurationMs = sinceMs(start)
	at.ErrorType = classifyError(dialCtx, resp.StatusCode, at.ErrBody, nil)
	f.recordFailure(req, resp.StatusCode, at.ErrorType, at.ErrBody, at.DurationMs)
	return at
}

// Deliver streams a successful Attempt's response to w chunk-for-chunk with
// forced flush, then runs the success completion hooks. Must only be called
// when at.resp is non-nil (i.e. Dial returned a 2xx).
func (f *Forwarder) Deliver(ctx context.Context, at Attempt, w http.ResponseWriter) Result {
	resp := at.resp
	defer at.cancel()
	defer resp.Body.Close()

	tail := newTailBuffer(tailBufferSize)
	glmFix := isGLMModel(at.req.Route.Model)

	writeResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	streamErr := streamBody(resp.Body, w, flusher, tail, glmFix)
	dur := sinceMs(at.start)
	if streamErr != nil {
		log.Warn().Err(streamErr).Str("model", at.req.Route.Model).Msg("Upstream stream interrupted mid-response")
	}
	reqTok, respTok := f.recordSuccessAndLog(ctx, at.req, resp, tail, dur)
	return Result{StatusCode: resp.StatusCode, RequestTokens: reqTok, ResponseTokens: respTok, DurationMs: dur, Err: streamErr}
}

func sinceMs(start time.Time) int64 { return time.Since(start).Milliseconds() }

// transformBody implements §4.9's pre-transfer body transformations.
func transformBody(body map[string]interface{}, apiType models.ApiType) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	if model, ok := out["model"].(string); ok {
		out["model"] = stripProviderPrefix(model)
	}

	nativeOpenAI := apiType == models.ApiTypeOpenAI
	if nativeOpenAI {
		if stream, _ := out["stream"].(bool); stream {
			opts, _ := out["stream_options"].(map[string]interface{})
			if opts == nil {
				opts = map[string]interface{}{}
			}
			opts["include_usage"] = true
			out["stream_options"] = opts
		}
	} else {
		delete(out, "prompt_cache_key")
		delete(out, "stream_options")
	}
	return out
}

func stripProviderPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// appendVendorQueryParams appends vendor-specific metadata as query
// parameters, e.g. MiniMax's group_id, per §4.9.
func appendVendorQueryParams(rawURL string, metadata map[string]string) string {
	queryParam, ok := metadata["queryParamKey"]
	if !ok || queryParam == "" {
		return rawURL
	}
	value, ok := metadata[queryParam]
	if !ok || value == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(queryParam, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// applyHeaders implements §4.9's header table: drop hop-by-hop and inbound
// auth, set host, then inject the apiType-specific auth header(s).
func applyHeaders(req *http.Request, in http.Header, apiType models.ApiType, apiKey, targetURL string) {
	for k, values := range in {
		if isHopByHop(k) || strings.EqualFold(k, "Host") || strings.EqualFold(k, "Authorization") {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if u, err := url.Parse(targetURL); err == nil {
		req.Host = u.Host
	}

	switch apiType {
	case models.ApiTypeOpenAI, models.ApiTypeOpenAIResponse:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	case models.ApiTypeAnthropic:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", routing.AnthropicVersion)
	case models.ApiTypeGemini:
		req.Header.Set("x-goog-api-key", apiKey)
	case models.ApiTypeAzureOpenAI:
		req.Header.Set("api-key", apiKey)
	case models.ApiTypeOllama:
		// no auth
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// writeResponseHeaders copies upstream headers, dropping hop-by-hop ones and
// forcing SSE-friendly cache/connection headers when streaming.
func writeResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, values := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
}

// streamBody copies resp.Body to w chunk-for-chunk, flushing after each
// chunk so SSE events are never buffered, feeding every chunk into tail for
// post-hoc usage extraction and rewriting GLM reasoning_content deltas
// in-flight when glmFix is set.
func streamBody(body io.Reader, w http.ResponseWriter, flusher http.Flusher, tail *tailBuffer, glmFix bool) error {
	reader := bufio.NewReaderSize(body, 4096)
	buf := make([]byte, 32*1024)
	var lineBuf bytes.Buffer
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			tail.Write(chunk)
			if glmFix {
				lineBuf.Write(chunk)
				chunk = rewriteGLMLines(&lineBuf)
			}
			if len(chunk) > 0 {
				if _, werr := w.Write(chunk); werr != nil {
					return werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			if glmFix && lineBuf.Len() > 0 {
				if _, werr := w.Write(lineBuf.Bytes()); werr != nil {
					return werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// rewriteGLMLines pulls complete lines out of lineBuf and applies the GLM
// reasoning-content fix (§4.9) to each, leaving any trailing partial line
// buffered for the next read.
func rewriteGLMLines(lineBuf *bytes.Buffer) []byte {
	data := lineBuf.Bytes()
	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL < 0 {
		return nil
	}
	complete := make([]byte, lastNL+1)
	copy(complete, data[:lastNL+1])
	lineBuf.Next(lastNL + 1)

	var out bytes.Buffer
	for _, line := range bytes.Split(complete, []byte("\n")) {
		if len(line) == 0 {
			out.WriteByte('\n')
			continue
		}
		out.Write(applyGLMFix(line))
		out.WriteByte('\n')
	}
	result := out.Bytes()
	if len(result) > 0 {
		result = result[:len(result)-1] // drop the extra trailing newline from the loop
	}
	return result
}

// applyGLMFix implements §4.9's reasoning-content rewrite: if
// choices[i].delta.reasoning_content is non-empty and delta.content is
// empty/missing, copy reasoning_content into content, preserving the
// original field.
func applyGLMFix(line []byte) []byte {
	const prefix = "data: "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return line
	}
	payload := bytes.TrimSpace(line[len(prefix):])
	if string(payload) == "[DONE]" {
		return line
	}

	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		return line
	}
	choices, ok := event["choices"].([]interface{})
	if !ok {
		return line
	}
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]interface{})
		if !ok {
			continue
		}
		reasoning, _ := delta["reasoning_content"].(string)
		content, hasContent := delta["content"].(string)
		if reasoning != "" && (!hasContent || content == "") {
			delta["content"] = reasoning
			changed = true
		}
	}
	if !changed {
		return line
	}
	rewritten, err := json.Marshal(event)
	if err != nil {
		return line
	}
	return append([]byte(prefix), rewritten...)
}

func isGLMModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "glm") || strings.Contains(lower, "zhipu") || strings.Contains(lower, "chatglm")
}

// tailBuffer keeps the last maxSize bytes written to it, discarding older
// bytes — §9's ring buffer for usage extraction without accumulating the
// full response.
type tailBuffer struct {
	buf     []byte
	maxSize int
}

func newTailBuffer(maxSize int) *tailBuffer {
	return &tailBuffer{maxSize: maxSize}
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.maxSize {
		t.buf = t.buf[len(t.buf)-t.maxSize:]
	}
}

func (t *tailBuffer) Bytes() []byte { return t.buf }
func (t *tailBuffer) String() string { return string(t.buf) }

// extractedUsage is the normalized §4.9 usage shape.
type extractedUsage struct {
	RequestTokens  int
	ResponseTokens int
	Model          string
}

// extractUsage decompresses the tail buffer per content-encoding, then
// parses it as SSE or JSON depending on content-type, per §4.9.
func extractUsage(tail []byte, contentType, contentEncoding string) extractedUsage {
	decoded := decompress(tail, contentEncoding)
	if strings.Contains(contentType, "text/event-stream") {
		return extractUsageFromSSE(decoded)
	}
	return extractUsageFromJSON(decoded)
}

func decompress(data []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data
		}
		defer r.Close()
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
		return data
	case "deflate":
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
		return data
	case "br":
		r := brotli.NewReader(bytes.NewReader(data))
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
		return data
	default:
		return data
	}
}

// extractUsageFromSSE scans data: lines from the end for one containing
// "usage", since the tail buffer may begin mid-line.
func extractUsageFromSSE(data []byte) extractedUsage {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if !bytes.Contains(payload, []byte("usage")) {
			continue
		}
		if u, ok := parseUsagePayload(payload); ok {
			return u
		}
	}
	return extractedUsage{}
}

func extractUsageFromJSON(data []byte) extractedUsage {
	u, _ := parseUsagePayload(data)
	return u
}

// parseUsagePayload implements §4.9's vendor-family usage mapping.
func parseUsagePayload(payload []byte) (extractedUsage, bool) {
	var generic map[string]interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return extractedUsage{}, false
	}

	if usage, ok := generic["usage"].(map[string]interface{}); ok {
		if _, ok := usage["prompt_tokens"]; ok {
			model, _ := generic["model"].(string)
			return extractedUsage{
				RequestTokens:  intFromFloat(usage["prompt_tokens"]),
				ResponseTokens: intFromFloat(usage["completion_tokens"]),
				Model:          model,
			}, true
		}
		if _, ok := usage["input_tokens"]; ok {
			model, _ := generic["model"].(string)
			return extractedUsage{
				RequestTokens:  intFromFloat(usage["input_tokens"]),
				ResponseTokens: intFromFloat(usage["output_tokens"]),
				Model:          model,
			}, true
		}
	}
	if usageMeta, ok := generic["usageMetadata"].(map[string]interface{}); ok {
		model, _ := generic["modelVersion"].(string)
		return extractedUsage{
			RequestTokens:  intFromFloat(usageMeta["promptTokenCount"]),
			ResponseTokens: intFromFloat(usageMeta["candidatesTokenCount"]),
			Model:          model,
		}, true
	}
	return extractedUsage{}, false
}

func intFromFloat(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

// recordSuccessAndLog extracts usage, emits the usage log, updates health
// and breaker state, and fires the quota hook, per §4.9's completion path.
func (f *Forwarder) recordSuccessAndLog(ctx context.Context, req Request, resp *http.Response, tail *tailBuffer, durationMs int64) (int, int) {
	usage := extractUsage(tail.Bytes(), resp.Header.Get("Content-Type"), resp.Header.Get("Content-Encoding"))

	f.breaker.RecordSuccess(req.Route.Credential.ID)

	status := resp.StatusCode
	protocolType := "openai-compatible"
	if req.Route.ApiType == models.ApiTypeAnthropic {
		protocolType = "anthropic-native"
	}
	entry := &models.BotUsageLog{
		BotID:          req.BotID,
		Vendor:         req.Vendor,
		CredentialID:   req.Route.Credential.ID,
		StatusCode:     &status,
		Endpoint:       req.UpstreamURL,
		Model:          req.Route.Model,
		RequestTokens:  usage.RequestTokens,
		ResponseTokens: usage.ResponseTokens,
		DurationMs:     durationMs,
		ProtocolType:   protocolType,
		CreatedAt:      time.Now().UTC(),
	}
	f.enqueueCompletion(completionEvent{
		entry:         entry,
		credentialID:  req.Route.Credential.ID,
		model:         req.Route.Model,
		healthSuccess: true,
		trackUsage:    true,
		botID:         req.BotID,
		reqTokens:     usage.RequestTokens,
		respTokens:    usage.ResponseTokens,
	})

	return usage.RequestTokens, usage.ResponseTokens
}

// recordFailure implements §4.9's failure path: swallow the upstream error,
// trip the breaker, and emit a failed usage log row.
func (f *Forwarder) recordFailure(req Request, statusCode int, errType, errMessage string, durationMs int64) {
	f.breaker.RecordFailure(req.Route.Credential.ID, errMessage)

	var statusPtr *int
	if statusCode != 0 {
		statusPtr = &statusCode
	}
	entry := &models.BotUsageLog{
		BotID:        req.BotID,
		Vendor:       req.Vendor,
		CredentialID: req.Route.Credential.ID,
		StatusCode:   statusPtr,
		Endpoint:     req.UpstreamURL,
		Model:        req.Route.Model,
		ErrorMessage: errMessage,
		DurationMs:   durationMs,
		CreatedAt:    time.Now().UTC(),
	}
	f.enqueueCompletion(completionEvent{
		entry:        entry,
		credentialID: req.Route.Credential.ID,
		model:        req.Route.Model,
	})
}
