package routing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentoven/botgateway/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// matcherCache compiles each rule's pattern into an expr program once and
// reuses it across requests — routing rules don't change often enough to
// justify recompiling per call, and expr.Compile is not free.
type matcherCache struct {
	mu    sync.RWMutex
	byKey map[string]*vm.Program // key: ruleID + "\x00" + pattern + "\x00" + matchType
}

func newMatcherCache() *matcherCache {
	return &matcherCache{byKey: make(map[string]*vm.Program)}
}

// compile builds (or reuses) the expr program for a keyword/intent/regex
// rule. For keyword/intent, the pattern is split on "|" and rendered as an
// OR of lower(message) contains "token". For regex, it is rendered as
// message matches "(?i)<pattern>" so the match is case-insensitive per
// §4.7's "compile case-insensitively".
func (c *matcherCache) compile(rule models.BotRoutingRule) (*vm.Program, error) {
	key := rule.RuleID + "\x00" + rule.Pattern + "\x00" + string(rule.MatchType)

	c.mu.RLock()
	prog, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	exprStr, err := buildExprSource(rule.Pattern, rule.MatchType)
	if err != nil {
		return nil, err
	}
	prog, err = expr.Compile(exprStr, expr.Env(map[string]interface{}{"message": ""}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byKey[key] = prog
	c.mu.Unlock()
	return prog, nil
}

func buildExprSource(pattern string, matchType models.RuleMatchType) (string, error) {
	switch matchType {
	case models.MatchTypeRegex:
		return fmt.Sprintf("message matches %q", "(?i)"+pattern), nil
	case models.MatchTypeKeyword, models.MatchTypeIntent:
		tokens := strings.Split(pattern, "|")
		clauses := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" {
				continue
			}
			clauses = append(clauses, fmt.Sprintf("lower(message) contains %q", tok))
		}
		if len(clauses) == 0 {
			return "false", nil
		}
		return strings.Join(clauses, " or "), nil
	default:
		return "", fmt.Errorf("unknown match type %q", matchType)
	}
}

// overrideCache compiles ComplexityRoutingConfig.OverrideExpr at most once
// per distinct expression string, since the config is hot-reloaded on a
// ticker and the expression text rarely changes between reloads.
var overrideCache = newOverrideCache()

type overrideExprCache struct {
	mu    sync.RWMutex
	byExpr map[string]*vm.Program
}

func newOverrideCache() *overrideExprCache {
	return &overrideExprCache{byExpr: make(map[string]*vm.Program)}
}

// evalOverrideExpr evaluates exprSrc against {hasTools, toolCount},
// returning false on any compile/eval failure.
func evalOverrideExpr(exprSrc string, sig Signals) bool {
	overrideCache.mu.RLock()
	prog, ok := overrideCache.byExpr[exprSrc]
	overrideCache.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(exprSrc, expr.Env(map[string]interface{}{
			"hasTools":  false,
			"toolCount": 0,
		}), expr.AsBool())
		if err != nil {
			log.Warn().Str("expr", exprSrc).Err(err).Msg("Complexity override expression failed to compile, treating as false")
			return false
		}
		overrideCache.mu.Lock()
		overrideCache.byExpr[exprSrc] = prog
		overrideCache.mu.Unlock()
	}

	out, err := expr.Run(prog, map[string]interface{}{
		"hasTools":  sig.HasTools,
		"toolCount": len(sig.ToolNames),
	})
	if err != nil {
		log.Warn().Str("expr", exprSrc).Err(err).Msg("Complexity override expression failed to evaluate, treating as false")
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// matches evaluates rule against message, returning false (never an error)
// on a compile failure — §4.7: "on compile failure, log and treat as
// no-match".
func (c *matcherCache) matches(rule models.BotRoutingRule, message string) bool {
	prog, err := c.compile(rule)
	if err != nil {
		log.Warn().Str("ruleId", rule.RuleID).Err(err).Msg("Routing rule pattern failed to compile, treating as no-match")
		return false
	}
	out, err := expr.Run(prog, map[string]interface{}{"message": message})
	if err != nil {
		log.Warn().Str("ruleId", rule.RuleID).Err(err).Msg("Routing rule pattern failed to evaluate, treating as no-match")
		return false
	}
	matched, _ := out.(bool)
	return matched
}
