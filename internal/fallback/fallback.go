// Package fallback implements the Fallback Engine (C8): walking a model
// chain on qualifying upstream failures, capping retries, and tracking
// attempt errors per in-flight request.
package fallback

import (
	"strconv"
	"sync"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
	"github.com/cenkalti/backoff/v4"
)

// UpstreamError describes a single forward attempt's failure, enough to
// decide whether the fallback chain should advance per §4.8's trigger
// decision.
type UpstreamError struct {
	StatusCode    int
	ErrorType     string // "rate_limit" | "overloaded" | "timeout" | ""
	ResponseTimeMs int64
}

// Context is the in-memory, per-in-flight-request FallbackContext of §3.
// It is keyed by requestId and visible only to that request's worker, so no
// locking is needed on the struct itself — Engine's map access is what's
// guarded.
type Context struct {
	RequestID  string
	ChainID    string
	CurrentIndex int
	RetryCount int
	Errors     []string
}

// Decision is the result of asking the engine whether and how to retry.
type Decision struct {
	ShouldFallback bool
	NextModel      models.FallbackTarget
	Reason         string
	Exhausted      bool
}

// Engine tracks FallbackContexts for in-flight requests and applies §4.8's
// trigger/retry-budget logic against a chain definition.
type Engine struct {
	mu       sync.Mutex
	contexts map[string]*Context
	chains   func(chainID string) (models.FallbackChain, bool)
}

// New constructs an Engine. chainLookup resolves a chain by id — normally
// backed by internal/routingconfig's hot-reloaded snapshot.
func New(chainLookup func(chainID string) (models.FallbackChain, bool)) *Engine {
	return &Engine{contexts: make(map[string]*Context), chains: chainLookup}
}

// CreateContext starts tracking a new in-flight request against chainID.
func (e *Engine) CreateContext(requestID, chainID string) *Context {
	ctx := &Context{RequestID: requestID, ChainID: chainID, CurrentIndex: 0}
	e.mu.Lock()
	e.contexts[requestID] = ctx
	e.mu.Unlock()
	return ctx
}

// ClearContext drops tracking for a completed request.
func (e *Engine) ClearContext(requestID string) {
	e.mu.Lock()
	delete(e.contexts, requestID)
	e.mu.Unlock()
}

// GetNextFallback applies §4.8's trigger decision and retry budget. Should
// fallback if statusCode is in the chain's triggerStatusCodes, the
// errorType is in triggerErrorTypes, or responseTimeMs exceeds
// triggerTimeoutMs; otherwise the error propagates to the caller unchanged.
func (e *Engine) GetNextFallback(requestID string, upstreamErr UpstreamError) Decision {
	e.mu.Lock()
	ctx, ok := e.contexts[requestID]
	e.mu.Unlock()
	if !ok {
		return Decision{ShouldFallback: false, Reason: "no fallback context for request"}
	}

	chain, ok := e.chains(ctx.ChainID)
	if !ok {
		return Decision{ShouldFallback: false, Reason: "unknown fallback chain"}
	}

	triggered := containsInt(chain.TriggerStatusCodes, upstreamErr.StatusCode) ||
		containsString(chain.TriggerErrorTypes, upstreamErr.ErrorType) ||
		(chain.TriggerTimeoutMs > 0 && upstreamErr.ResponseTimeMs > int64(chain.TriggerTimeoutMs))

	if !triggered {
		return Decision{ShouldFallback: false, Reason: "error does not qualify for fallback"}
	}

	ctx.RetryCount++
	ctx.Errors = append(ctx.Errors, upstreamErrString(upstreamErr))

	if ctx.RetryCount >= chain.MaxRetries || ctx.CurrentIndex+1 >= len(chain.Models) {
		return Decision{ShouldFallback: true, Exhausted: true, Reason: "fallback chain exhausted"}
	}

	ctx.CurrentIndex++
	return Decision{
		ShouldFallback: true,
		NextModel:      chain.Models[ctx.CurrentIndex],
		Reason:         "advancing fallback chain",
	}
}

// RetryDelay returns the chain's configured retry delay as a duration,
// suitable for a scheduler-yield sleep between attempts — callers should
// select on a timer/context, never a blocking time.Sleep that ties up a
// shared worker.
func (e *Engine) RetryDelay(chainID string) time.Duration {
	chain, ok := e.chains(chainID)
	if !ok {
		return 0
	}
	return time.Duration(chain.RetryDelayMs) * time.Millisecond
}

// BackoffFor returns an exponential backoff bounded by the chain's
// maxRetries, used by internal/api/handlers' dialWithFallback between
// fallback-chain hops in place of a hand-rolled sleep loop.
func (e *Engine) BackoffFor(chainID string) backoff.BackOff {
	chain, ok := e.chains(chainID)
	base := time.Duration(500) * time.Millisecond
	maxRetries := uint64(3)
	if ok {
		if chain.RetryDelayMs > 0 {
			base = time.Duration(chain.RetryDelayMs) * time.Millisecond
		}
		if chain.MaxRetries > 0 {
			maxRetries = uint64(chain.MaxRetries)
		}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, maxRetries)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func upstreamErrString(e UpstreamError) string {
	if e.ErrorType != "" {
		return e.ErrorType
	}
	return "status_" + strconv.Itoa(e.StatusCode)
}
