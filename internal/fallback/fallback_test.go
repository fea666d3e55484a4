package fallback_test

import (
	"testing"
	"time"

	"github.com/agentoven/botgateway/internal/fallback"
	"github.com/agentoven/botgateway/pkg/models"
)

func testChain() models.FallbackChain {
	return models.FallbackChain{
		ChainID: "chain-1",
		Models: []models.FallbackTarget{
			{Vendor: "openai", Model: "gpt-4o"},
			{Vendor: "anthropic", Model: "claude-3-5-sonnet"},
			{Vendor: "openrouter", Model: "llama-3"},
		},
		TriggerStatusCodes: []int{429, 500, 502, 503, 504},
		TriggerErrorTypes:  []string{"rate_limit", "overloaded", "timeout"},
		TriggerTimeoutMs:   5000,
		MaxRetries:         2,
		RetryDelayMs:       10,
	}
}

func newEngine(chain models.FallbackChain) *fallback.Engine {
	return fallback.New(func(chainID string) (models.FallbackChain, bool) {
		if chainID != chain.ChainID {
			return models.FallbackChain{}, false
		}
		return chain, true
	})
}

func TestGetNextFallbackAdvancesOnQualifyingStatus(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")

	d := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if !d.ShouldFallback || d.Exhausted {
		t.Fatalf("GetNextFallback() = %+v, want ShouldFallback=true, Exhausted=false", d)
	}
	if d.NextModel.Vendor != "anthropic" {
		t.Errorf("NextModel = %+v, want anthropic (index advances to 1)", d.NextModel)
	}
}

func TestGetNextFallbackDoesNotTriggerOnNonQualifyingError(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")

	d := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 400})
	if d.ShouldFallback {
		t.Errorf("GetNextFallback() on a non-qualifying status = %+v, want ShouldFallback=false", d)
	}
}

func TestGetNextFallbackTriggersOnErrorType(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")

	d := e.GetNextFallback("req-1", fallback.UpstreamError{ErrorType: "rate_limit"})
	if !d.ShouldFallback {
		t.Errorf("GetNextFallback() with triggering errorType = %+v, want ShouldFallback=true", d)
	}
}

func TestGetNextFallbackTriggersOnTimeout(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")

	d := e.GetNextFallback("req-1", fallback.UpstreamError{ResponseTimeMs: 6000})
	if !d.ShouldFallback {
		t.Errorf("GetNextFallback() exceeding triggerTimeoutMs = %+v, want ShouldFallback=true", d)
	}
}

func TestGetNextFallbackExhaustsAtMaxRetries(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")

	d1 := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if d1.Exhausted {
		t.Fatalf("first fallback should not be exhausted: %+v", d1)
	}
	d2 := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if !d2.Exhausted {
		t.Errorf("GetNextFallback() at retryCount==maxRetries(2) = %+v, want Exhausted=true", d2)
	}
}

func TestGetNextFallbackExhaustsAtChainEnd(t *testing.T) {
	chain := testChain()
	chain.MaxRetries = 100 // large enough that chain length is the binding constraint
	chain.Models = chain.Models[:2]
	e := newEngine(chain)
	e.CreateContext("req-1", "chain-1")

	d1 := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if d1.Exhausted {
		t.Fatalf("first fallback should not be exhausted: %+v", d1)
	}
	d2 := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if !d2.Exhausted {
		t.Errorf("GetNextFallback() once currentIndex+1 >= len(models) = %+v, want Exhausted=true", d2)
	}
}

func TestGetNextFallbackUnknownRequest(t *testing.T) {
	e := newEngine(testChain())
	d := e.GetNextFallback("no-such-request", fallback.UpstreamError{StatusCode: 503})
	if d.ShouldFallback {
		t.Error("GetNextFallback() for an untracked requestId should not fall back")
	}
}

func TestClearContextRemovesTracking(t *testing.T) {
	e := newEngine(testChain())
	e.CreateContext("req-1", "chain-1")
	e.ClearContext("req-1")

	d := e.GetNextFallback("req-1", fallback.UpstreamError{StatusCode: 503})
	if d.ShouldFallback {
		t.Error("GetNextFallback() after ClearContext() should not fall back")
	}
}

func TestRetryDelay(t *testing.T) {
	e := newEngine(testChain())
	if got := e.RetryDelay("chain-1"); got != 10*time.Millisecond {
		t.Errorf("RetryDelay() = %v, want 10ms", got)
	}
	if got := e.RetryDelay("unknown-chain"); got != 0 {
		t.Errorf("RetryDelay(unknown) = %v, want 0", got)
	}
}
