// Package executor implements task execution (C9): given a task's resolved
// signature, either replay its recorded output from the action cache or run
// it inside a sandbox.Backend, then record the result for next time. This is
// the single place a task's command is ever actually invoked; the pipeline
// package only decides scheduling order.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/builderrors"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/metrics"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
	"github.com/hitzeleiter/hitzeleiter/src/signature"
)

var log = logging.MustGetLogger("executor")

// TaskSpec describes one task ready to execute: its identity, the command
// BitBake's shell-function body compiles down to, the environment it should
// see, the signature computed for it, and the sandbox inputs/outputs the
// task declared.
type TaskSpec struct {
	Recipe  string
	Task    string
	Command []string
	Env     []string

	Signature cas.ContentHash

	Inputs        map[string]string // sandbox-relative path -> CAS-materialized source path
	SysrootGroups []sandbox.SysrootGroup
	Outputs       []string // sandbox-relative paths the task is declared to produce

	Timeout       time.Duration
	NetworkPolicy sandbox.NetworkPolicy
	CPUQuotaUs    int64
	MemoryBytes   int64
	PidsMax       int64
	IOWeight      int64
}

func (t TaskSpec) id() string { return t.Recipe + ":" + t.Task }

// Stats tracks cumulative execution counts across the lifetime of an Executor.
type Stats struct {
	TasksExecuted int64
	CacheHits     int64
	CacheMisses   int64
}

// HitRate returns the fraction of lookups served from the action cache,
// or 0 if nothing has been looked up yet.
func (s *Stats) HitRate() float64 {
	hits := atomic.LoadInt64(&s.CacheHits)
	misses := atomic.LoadInt64(&s.CacheMisses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Executor drives individual task execution against a CAS, an action cache
// and a sandbox backend.
type Executor struct {
	Store   *cas.Store
	Actions *actioncache.Cache
	Backend sandbox.Backend

	// MaxAttempts bounds retries of transient failures (builderrors.Kind
	// that reports Retryable() true). Zero means 1 (no retry).
	MaxAttempts int

	Stats Stats
}

// New returns an Executor wired to store, actions and backend.
func New(store *cas.Store, actions *actioncache.Cache, backend sandbox.Backend) *Executor {
	return &Executor{Store: store, Actions: actions, Backend: backend, MaxAttempts: 3}
}

// ExecuteTask runs spec to completion, consulting the action cache first. A
// cache hit never touches the sandbox backend at all. On a miss the task
// runs (retrying transient failures under an exponential backoff), its
// outputs are written into the CAS, and the result is recorded in the action
// cache under spec.Signature before being returned.
func (e *Executor) ExecuteTask(ctx context.Context, spec TaskSpec) (actioncache.TaskOutput, error) {
	lookupStart := time.Now()

	if out, ok, err := e.Actions.Get(spec.Signature); err != nil {
		log.Warning("%s: action-cache lookup failed, treating as miss: %s", spec.id(), err)
	} else if ok {
		atomic.AddInt64(&e.Stats.CacheHits, 1)
		log.Debug("%s: cache hit (%s)", spec.id(), spec.Signature)
		metrics.RecordCacheLookup(true, time.Since(lookupStart))
		for _, h := range out.Outputs {
			e.Store.Touch(h) // best-effort LRU refresh
		}
		e.Store.Touch(out.Stdout)
		e.Store.Touch(out.Stderr)
		return out, nil
	}
	atomic.AddInt64(&e.Stats.CacheMisses, 1)
	atomic.AddInt64(&e.Stats.TasksExecuted, 1)
	metrics.RecordCacheLookup(false, time.Since(lookupStart))

	out, err := e.runWithRetry(ctx, spec)
	metrics.RecordTask(spec.Recipe, spec.Task, err == nil, out.Duration)
	if err != nil {
		return actioncache.TaskOutput{}, err
	}
	if err := e.Actions.Put(spec.Signature, out); err != nil {
		log.Warning("%s: failed to record action-cache entry: %s", spec.id(), err)
	}
	return out, nil
}

func (e *Executor) runWithRetry(ctx context.Context, spec TaskSpec) (actioncache.TaskOutput, error) {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1))

	var out actioncache.TaskOutput
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var runErr error
		out, runErr = e.runOnce(ctx, spec)
		if runErr == nil {
			return nil
		}
		if !builderrors.ClassifyKind(runErr).Retryable() {
			return backoff.Permanent(runErr)
		}
		log.Warning("%s: attempt %d failed transiently, retrying: %s", spec.id(), attempt, runErr)
		return runErr
	}, policy)
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return actioncache.TaskOutput{}, perm.Err
		}
		return actioncache.TaskOutput{}, err
	}
	return out, nil
}

// runOnce runs spec's command through the sandbox backend exactly once and,
// on a clean exit, materializes its declared outputs into the CAS.
func (e *Executor) runOnce(ctx context.Context, spec TaskSpec) (actioncache.TaskOutput, error) {
	start := time.Now()
	result, err := e.Backend.Run(ctx, sandbox.Spec{
		TaskID:        spec.id(),
		Command:       spec.Command,
		Env:           spec.Env,
		Inputs:        spec.Inputs,
		SysrootGroups: spec.SysrootGroups,
		Outputs:       spec.Outputs,
		Timeout:       spec.Timeout,
		NetworkPolicy: spec.NetworkPolicy,
		CPUQuotaUs:    spec.CPUQuotaUs,
		MemoryBytes:   spec.MemoryBytes,
		PidsMax:       spec.PidsMax,
		IOWeight:      spec.IOWeight,
	})
	if err == context.DeadlineExceeded {
		return actioncache.TaskOutput{}, &builderrors.Timeout{Recipe: spec.Recipe, Task: spec.Task}
	} else if err != nil {
		return actioncache.TaskOutput{}, &builderrors.SandboxError{Op: spec.id(), Err: err}
	}

	stdoutHash, err := e.Store.Put(result.Stdout)
	if err != nil {
		return actioncache.TaskOutput{}, &builderrors.IoError{Op: "storing stdout", Err: err}
	}
	stderrHash, err := e.Store.Put(result.Stderr)
	if err != nil {
		return actioncache.TaskOutput{}, &builderrors.IoError{Op: "storing stderr", Err: err}
	}

	if result.ExitCode != 0 {
		return actioncache.TaskOutput{}, &builderrors.TaskFailed{
			Recipe:   spec.Recipe,
			Task:     spec.Task,
			ExitCode: result.ExitCode,
			Stderr:   string(result.Stderr),
		}
	}

	outputs := map[string]cas.ContentHash{}
	for _, rel := range spec.Outputs {
		path, ok := result.Outputs[rel]
		if !ok {
			return actioncache.TaskOutput{}, &builderrors.IoError{
				Op:  spec.id(),
				Err: fmt.Errorf("declared output %q was not produced", rel),
			}
		}
		hash, err := e.Store.PutFile(path)
		if err != nil {
			return actioncache.TaskOutput{}, &builderrors.IoError{Op: "storing output " + rel, Err: err}
		}
		outputs[rel] = hash
	}

	return actioncache.TaskOutput{
		Signature: spec.Signature,
		Outputs:   outputs,
		Stdout:    stdoutHash,
		Stderr:    stderrHash,
		ExitCode:  result.ExitCode,
		Duration:  time.Since(start),
	}, nil
}

// Signature computes the signature for a task given its input, delegating
// to the signature package so pipeline never has to import it directly.
func Signature(in signature.Input) cas.ContentHash {
	return signature.Compute(in)
}

// MaterializeOutputs writes every output recorded in out into dest,
// preserving its sandbox-relative layout. Used by the pipeline to realize a
// cache-hit task's outputs on disk without re-running it.
func (e *Executor) MaterializeOutputs(out actioncache.TaskOutput, dest string) error {
	for rel, hash := range out.Outputs {
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := e.Store.Materialize(hash, target, 0644, true); err != nil {
			return err
		}
	}
	return nil
}
