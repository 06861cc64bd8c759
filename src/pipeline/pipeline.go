// Package pipeline orchestrates a full build: discover recipes, parse them,
// link the recipe and task graphs, compute signatures in dependency order,
// and drive the executor over however many tasks are ready to run at once.
// It is the one place that sequences every other component end to end; it
// holds no build logic of its own.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/builderrors"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/cmap"
	"github.com/hitzeleiter/hitzeleiter/src/config"
	"github.com/hitzeleiter/hitzeleiter/src/executor"
	"github.com/hitzeleiter/hitzeleiter/src/graph"
	"github.com/hitzeleiter/hitzeleiter/src/layer"
	"github.com/hitzeleiter/hitzeleiter/src/process"
	"github.com/hitzeleiter/hitzeleiter/src/recipe"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
	"github.com/hitzeleiter/hitzeleiter/src/signature"
	"github.com/hitzeleiter/hitzeleiter/src/taskgraph"
)

var log = logging.MustGetLogger("pipeline")

// tracer emits per-stage and per-task spans. With no SDK TracerProvider
// registered globally (the normal case: this binary doesn't wire one in),
// otel.Tracer returns a no-op implementation, so tracing costs nothing
// unless a caller embedding this as a library installs a real exporter.
var tracer = otel.Tracer("github.com/hitzeleiter/hitzeleiter/src/pipeline")

// taskEnvVars is the fixed set of per-task directory variables every
// recipe's task body expects in its environment, mirroring BitBake's own
// WORKDIR/S/B/D convention.
var taskEnvVars = []string{"PN", "PV", "PR", "WORKDIR", "S", "B", "D", "T"}

// Pipeline wires every component needed to take a set of recipe files
// through to executed tasks.
type Pipeline struct {
	Config   *config.Configuration
	Layers   *layer.Context
	Executor *executor.Executor
	Sigs     *signature.Store

	Graph     *graph.Graph
	TaskGraph *taskgraph.Graph

	preferredVersions map[string]string
	recipes           map[string]*recipe.ParsedRecipe // BPN -> parsed

	mu   sync.Mutex
	sigs map[string]cas.ContentHash // taskgraph.Ref.Key() -> computed signature
}

// New returns an empty Pipeline wired to the given components.
func New(cfg *config.Configuration, layers *layer.Context, exec *executor.Executor, sigStore *signature.Store) *Pipeline {
	return &Pipeline{
		Config:            cfg,
		Layers:            layers,
		Executor:          exec,
		Sigs:              sigStore,
		Graph:             graph.New(),
		TaskGraph:         taskgraph.New(),
		preferredVersions: map[string]string{},
		recipes:           map[string]*recipe.ParsedRecipe{},
		sigs:              map[string]cas.ContentHash{},
	}
}

// DiscoverRecipes walks each of roots for recipe files (BBFILES in a real
// layer stack is a set of glob patterns; since Go's filepath.Glob can't
// expand "**", this walks the tree directly and matches by extension,
// which is equivalent for every pattern layer.conf files actually use).
func DiscoverRecipes(roots []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, root := range roots {
		var matches []string
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !info.IsDir() && strings.HasSuffix(path, ".bb") {
				matches = append(matches, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// parseResult is one path's outcome, memoized in a cmap so recipe parsing
// can fan out across Config.Build.ThreadCount goroutines while graph
// registration (which mutates shared, non-concurrent-safe state) stays
// single-threaded and deterministic.
type parseResult struct {
	recipe *recipe.ParsedRecipe
	err    error
}

// ParseAndRegister parses every recipe at paths, registering each with the
// recipe graph under the priority of its owning layer. A recipe that fails
// to parse is dropped (wrapped in a *builderrors.ParseError) and the build
// continues with the rest — a single broken recipe shouldn't take down an
// otherwise-healthy build.
func (p *Pipeline) ParseAndRegister(ctx context.Context, paths []string) []error {
	_, span := tracer.Start(ctx, "pipeline.ParseAndRegister", trace.WithAttributes(
		attribute.Int("recipe_count", len(paths)),
	))
	defer span.End()

	threads := p.Config.Build.ThreadCount
	if threads <= 0 {
		threads = 1
	}

	results := cmap.New[string, parseResult](cmap.DefaultShardCount, cmap.HashString)
	sem := make(chan struct{}, threads)
	var wg sync.WaitGroup
	for _, path := range paths {
		path := path
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := recipe.Parse(path, p.Layers)
			results.Set(path, parseResult{recipe: r, err: err})
		}()
	}
	wg.Wait()

	var errs []error
	for _, path := range paths {
		res, _ := results.GetNow(path)
		if res.err != nil {
			errs = append(errs, &builderrors.ParseError{File: path, Err: res.err})
			continue
		}
		r := res.recipe
		r.Layer = p.Layers.LayerOf(path)
		p.recipes[r.BPN] = r
		p.Graph.AddRecipe(r, p.Layers.LayerPriority(r.Layer))
		p.TaskGraph.AddRecipe(r)
	}
	return errs
}

// SetPreferredVersion records a PREFERRED_VERSION pin for bpn, consulted by
// ResolveGraph when more than one registered recipe provides the same name.
func (p *Pipeline) SetPreferredVersion(bpn, version string) {
	p.preferredVersions[bpn] = version
}

// ResolveGraph resolves DEPENDS/RDEPENDS edges in the recipe graph and then
// every task's cross-recipe depends/rdepends flags in the task graph. Must
// run after every recipe has been registered with ParseAndRegister.
func (p *Pipeline) ResolveGraph(ctx context.Context) error {
	_, span := tracer.Start(ctx, "pipeline.ResolveGraph")
	defer span.End()

	if err := p.Graph.ResolveEdges(p.preferredVersions); err != nil {
		return fmt.Errorf("resolving recipe dependency graph: %w", err)
	}
	if err := p.TaskGraph.ResolveCrossEdges(p.Graph, p.preferredVersions); err != nil {
		return fmt.Errorf("resolving task graph: %w", err)
	}
	return nil
}

// Report summarizes one pipeline run.
type Report struct {
	Executed int
	Failed   map[string]error
}

// Run executes every task in the task graph, in dependency order, at up to
// Config.Build.ThreadCount tasks concurrently. A task's dependencies are
// always fully executed (successfully or not) before it becomes eligible;
// a dependency failure fails every task downstream of it without attempting
// to run them, mirroring a single broken target not blocking unrelated ones.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	order, err := p.TaskGraph.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("computing task execution order: %w", err)
	}

	report := &Report{Failed: map[string]error{}}
	var reportMu sync.Mutex

	threads := p.Config.Build.ThreadCount
	if threads <= 0 {
		threads = 1
	}
	sem := make(chan struct{}, threads)

	// done tracks per-task completion so a task only starts once every
	// upstream task in `order` has finished, preserving correctness without
	// a full wave-barrier (independent subtrees overlap freely).
	done := make(map[string]chan struct{}, len(order))
	for _, ref := range order {
		done[ref.Key()] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range order {
		ref := ref
		node, _ := p.TaskGraph.Node(ref)
		g.Go(func() error {
			defer close(done[ref.Key()])
			for _, dep := range node.DependsOn {
				select {
				case <-done[dep.Key()]:
				case <-gctx.Done():
					return gctx.Err()
				}
				reportMu.Lock()
				_, failed := report.Failed[dep.Key()]
				reportMu.Unlock()
				if failed {
					reportMu.Lock()
					report.Failed[ref.Key()] = fmt.Errorf("upstream task %s failed", dep)
					reportMu.Unlock()
					return nil
				}
			}

			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if err := p.runTask(gctx, ref, node); err != nil {
				reportMu.Lock()
				report.Failed[ref.Key()] = err
				reportMu.Unlock()
				log.Warning("%s failed: %s", ref, err)
				return nil
			}
			reportMu.Lock()
			report.Executed++
			reportMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// buildTaskScript prepends a shell-escaped export for every per-task
// directory variable (PN, WORKDIR, S, B, D, ...) to the recipe's task body,
// so a value containing spaces or shell metacharacters (a MACHINE-specific
// WORKDIR path, say) can't reinterpret as anything other than a literal
// assignment once it's textually inlined ahead of the task's own script.
func buildTaskScript(env map[string]string, body string) string {
	var b strings.Builder
	for _, v := range taskEnvVars {
		fmt.Fprintf(&b, "export %s=%s\n", v, shellescape.Quote(env[v]))
	}
	b.WriteString(body)
	return b.String()
}

// runTask computes ref's signature (folding its already-computed dependency
// signatures, which TopologicalOrder guarantees are available by now) and
// hands the resulting TaskSpec to the executor.
func (p *Pipeline) runTask(ctx context.Context, ref taskgraph.Ref, node *taskgraph.Node) error {
	ctx, span := tracer.Start(ctx, "pipeline.runTask", trace.WithAttributes(
		attribute.String("recipe", ref.Recipe),
		attribute.String("task", ref.Task),
	))
	defer span.End()

	r, ok := p.recipes[ref.Recipe]
	if !ok {
		return fmt.Errorf("%s: no such recipe registered", ref)
	}

	depSigs := make([]cas.ContentHash, 0, len(node.DependsOn))
	p.mu.Lock()
	for _, dep := range node.DependsOn {
		depSigs = append(depSigs, p.sigs[dep.Key()])
	}
	p.mu.Unlock()

	resolver := p.Layers.CreateResolver(r)
	env := map[string]string{}
	for _, v := range taskEnvVars {
		env[v] = resolver.Resolve(v)
	}

	sig := signature.Compute(signature.Input{
		RecipeName:    ref.Recipe,
		TaskName:      ref.Task,
		RecipeHash:    r.ContentHash,
		TaskCodeHash:  cas.Sum([]byte(node.Task.Body)),
		DepSignatures: depSigs,
		Env:           env,
		Machine:       p.Config.Build.Machine,
		Distro:        p.Config.Build.Distro,
	})

	p.mu.Lock()
	p.sigs[ref.Key()] = sig
	p.mu.Unlock()

	key := signature.Key{Recipe: ref.Recipe, Task: ref.Task}
	if p.Sigs != nil && p.Sigs.Unchanged(key, sig) {
		log.Debug("%s: signature unchanged since last build", ref)
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}
	sort.Strings(envSlice)

	spec := executor.TaskSpec{
		Recipe:        ref.Recipe,
		Task:          ref.Task,
		Command:       []string{"bash", "-c", buildTaskScript(env, node.Task.Body)},
		Env:           envSlice,
		Signature:     sig,
		Timeout:       time.Duration(p.Config.Build.Timeout),
		NetworkPolicy: sandbox.NetworkPolicy(p.Config.Build.NetworkPolicy),
		CPUQuotaUs:    int64(p.Config.Sandbox.CPUQuotaUs),
		MemoryBytes:   int64(p.Config.Sandbox.MemoryBytes),
		PidsMax:       int64(p.Config.Sandbox.PidsMax),
		IOWeight:      int64(p.Config.Sandbox.IOWeight),
	}

	var out actioncache.TaskOutput
	mode := process.OutputMode(p.Config.Build.OutputMode)
	err := process.RunWithOutput(mode, ref.String(), func() ([]byte, error) {
		var runErr error
		out, runErr = p.Executor.ExecuteTask(ctx, spec)
		if runErr != nil {
			return nil, runErr
		}
		stdout, _, _ := p.Executor.Store.Get(out.Stdout)
		return stdout, nil
	})
	if err != nil {
		return err
	}
	if p.Sigs != nil {
		p.Sigs.Set(key, sig)
	}
	return nil
}
