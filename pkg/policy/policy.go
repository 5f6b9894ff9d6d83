// Package policy loads the weight tables that NeedSet (§4.5) and Consensus
// (§4.9) use to turn field contracts and candidate assertions into scores,
// from Rego policy documents instead of hard-coded constants. This mirrors
// kubernaut's aianalysis rego.Evaluator: a policy path is compiled once at
// startup (fail-fast, ADR-050 style) and then hot-reloaded on write, with a
// reload failure logged and the previous compiled policy kept in place
// rather than torn down.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/open-policy-agent/opa/rego"
)

// Config names the Rego module on disk and the data document query to
// evaluate against it, e.g. "data.needset" or "data.consensus".
type Config struct {
	PolicyPath string
	Query      string
}

// Evaluator compiles a Rego module and re-evaluates its full document on
// every Decode call. Safe for concurrent use.
type Evaluator struct {
	cfg Config
	log logr.Logger

	mu      sync.RWMutex
	prepped rego.PreparedEvalQuery
}

// NewEvaluator builds an Evaluator that has not yet loaded a policy. Call
// StartHotReload (or Load) before Decode.
func NewEvaluator(cfg Config, log logr.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: log}
}

// Load compiles the configured Rego module and atomically swaps in the new
// prepared query. A syntactically or semantically invalid module is
// returned as an error and the previously loaded policy, if any, is left in
// place.
func (e *Evaluator) Load(ctx context.Context) error {
	prepped, err := rego.New(
		rego.Query(e.cfg.Query),
		rego.Load([]string{e.cfg.PolicyPath}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy: compile %s: %w", e.cfg.PolicyPath, err)
	}

	e.mu.Lock()
	e.prepped = prepped
	e.mu.Unlock()
	return nil
}

// StartHotReload performs the initial fail-fast Load and then watches
// PolicyPath for writes, reloading on each one. A reload failure is logged
// and the previously compiled policy keeps serving Decode calls.
func (e *Evaluator) StartHotReload(ctx context.Context) (stop func(), err error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: watch %s: %w", e.cfg.PolicyPath, err)
	}
	if err := watcher.Add(e.cfg.PolicyPath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", e.cfg.PolicyPath, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := e.Load(ctx); err != nil {
						e.log.Info("policy: reload failed, keeping previous policy", "path", e.cfg.PolicyPath, "error", err.Error())
					} else {
						e.log.Info("policy: reloaded", "path", e.cfg.PolicyPath)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Info("policy: watch error", "error", werr.Error())
			case <-ctx.Done():
				_ = watcher.Close()
				return
			case <-done:
				_ = watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Decode evaluates the policy's full document and unmarshals it into dst, a
// pointer to the caller's typed weight-table struct. Field names in dst
// must match the document's keys via the usual encoding/json tag rules.
func (e *Evaluator) Decode(ctx context.Context, dst any) error {
	e.mu.RLock()
	prepped := e.prepped
	e.mu.RUnlock()

	rs, err := prepped.Eval(ctx)
	if err != nil {
		return fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy: empty result set")
	}

	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return fmt.Errorf("policy: marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("policy: decode result: %w", err)
	}
	return nil
}
