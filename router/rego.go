package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/hupe1980/agentpipe/core"
)

// DefaultRegoQuery is evaluated when RegoOptions.Query is empty.
const DefaultRegoQuery = "data.routing.worker"

// RegoOptions configure the Rego decider.
type RegoOptions struct {
	Query string
	// Module is used for pipelines without a routingRule.
	Module string
}

// RegoDecider treats a pipeline's routingRule as a Rego module. The query
// must evaluate to a worker ref, or to an object with a "worker" field.
//
// The input document is:
//
//	{"input": ..., "workers": [refs], "agents": {ref: agentRef},
//	 "pipeline_id": "...", "manager": "..."}
//
// Prepared queries are cached per module source.
type RegoDecider struct {
	opts    RegoOptions
	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

var _ core.RoutingDecider = (*RegoDecider)(nil)

// NewRego creates a Rego decider.
func NewRego(optFns ...func(o *RegoOptions)) *RegoDecider {
	opts := RegoOptions{Query: DefaultRegoQuery}
	for _, fn := range optFns {
		fn(&opts)
	}

	if strings.TrimSpace(opts.Query) == "" {
		opts.Query = DefaultRegoQuery
	}

	return &RegoDecider{opts: opts, queries: make(map[string]*rego.PreparedEvalQuery)}
}

// Compile prepares a module ahead of time to surface syntax errors early.
func (d *RegoDecider) Compile(ctx context.Context, module string) error {
	_, err := d.prepared(ctx, module)
	return err
}

// Decide implements core.RoutingDecider.
func (d *RegoDecider) Decide(ctx context.Context, req core.RoutingRequest) (string, error) {
	module := req.Rule
	if strings.TrimSpace(module) == "" {
		module = d.opts.Module
	}

	if strings.TrimSpace(module) == "" {
		return "", errors.New("rego decider: pipeline has no routing rule")
	}

	prepared, err := d.prepared(ctx, module)
	if err != nil {
		return "", err
	}

	agents := make(map[string]any, len(req.Workers))
	for _, w := range req.Workers {
		agents[w.Ref] = w.AgentRef
	}

	refs := req.WorkerRefs()
	workers := make([]any, len(refs))

	for i, r := range refs {
		workers[i] = r
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(map[string]any{
		"input":       req.Input,
		"workers":     workers,
		"agents":      agents,
		"pipeline_id": req.PipelineID,
		"manager":     req.ManagerRef,
	}))
	if err != nil {
		return "", fmt.Errorf("evaluate routing rule: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("%w: %s is undefined", ErrNoDecision, d.opts.Query)
	}

	answer, err := workerFrom(results[0].Expressions[0].Value)
	if err != nil {
		return "", err
	}

	return answer, nil
}

func (d *RegoDecider) prepared(ctx context.Context, module string) (*rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(module))
	key := hex.EncodeToString(sum[:])

	d.mu.RLock()
	if q, ok := d.queries[key]; ok {
		d.mu.RUnlock()
		return q, nil
	}
	d.mu.RUnlock()

	parsed, err := ast.ParseModuleWithOpts("routing.rego", module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse routing rule: %w", err)
	}

	q, err := rego.New(
		rego.Query(d.opts.Query),
		rego.ParsedModule(parsed),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile routing rule: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.queries[key]; ok {
		return existing, nil
	}

	d.queries[key] = &q

	return &q, nil
}
