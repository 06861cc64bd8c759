// hitzeleiter is a hermetic build engine for BitBake/Yocto recipes: given a
// set of layers and a MACHINE/DISTRO pair, it parses recipes, resolves the
// recipe and task graphs, computes a content signature for every task, and
// executes only the tasks whose signature isn't already sitting in the
// action cache.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	flags "github.com/thought-machine/go-flags"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/cacheremote"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/cli"
	"github.com/hitzeleiter/hitzeleiter/src/cli/logging"
	"github.com/hitzeleiter/hitzeleiter/src/config"
	"github.com/hitzeleiter/hitzeleiter/src/executor"
	"github.com/hitzeleiter/hitzeleiter/src/gc"
	"github.com/hitzeleiter/hitzeleiter/src/layer"
	"github.com/hitzeleiter/hitzeleiter/src/metrics"
	"github.com/hitzeleiter/hitzeleiter/src/pipeline"
	"github.com/hitzeleiter/hitzeleiter/src/process"
	"github.com/hitzeleiter/hitzeleiter/src/remoteexec"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
	"github.com/hitzeleiter/hitzeleiter/src/signature"
)

var log = logging.Log

var opts struct {
	BuildFlags struct {
		ConfigFile       []string `short:"c" long:"config" description:"Extra config file(s) to read, applied after the usual layering."`
		Machine          string   `short:"m" long:"machine" description:"MACHINE to build for, overriding the config files."`
		Distro           string   `short:"d" long:"distro" description:"DISTRO to build for, overriding the config files."`
		NumThreads       int      `short:"n" long:"num_threads" description:"Number of tasks to run concurrently. Default is number of CPUs."`
		PreferredVersion []string `long:"preferred_version" description:"PREFERRED_VERSION pins in bpn:version form, e.g. busybox:1.36.1"`
		OutputMode       string   `long:"output_mode" description:"How to surface task stdout as tasks complete: default, quiet, or group_immediate." default:"default"`
	} `group:"Options controlling what to build & how to build it"`

	OutputFlags struct {
		Verbosity cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of output (error, warning, notice, info, debug)" default:"warning"`
	} `group:"Options controlling output & logging"`

	HelpFlags struct {
		Help    bool `short:"h" long:"help" description:"Show this help message"`
		Version bool `long:"version" description:"Print the version of hitzeleiter"`
	} `group:"Help Options"`

	Build struct {
		Watch    bool   `long:"watch" description:"After the initial build, watch the given layers for changes and rebuild on each debounced burst."`
		Graphviz string `long:"graphviz" description:"Write Graphviz dot exports of the resolved recipe graph (<path>.recipes.dot) and task graph (<path>.tasks.dot)."`
		Args     struct {
			Layers []string `positional-arg-name:"layers" description:"Layer roots to build from (each must contain conf/layer.conf)"`
		} `positional-args:"true" required:"true"`
	} `command:"build" description:"Parses the given layers and runs every task in the resulting build."`

	Gc struct {
		TargetBytes cli.ByteSize `long:"target_bytes" description:"Overrides Cache.GCTargetBytes for this run."`
	} `command:"gc" description:"Garbage-collects the content-addressable store down to its target size."`

	Cache struct {
		Wipe struct {
		} `command:"wipe" description:"Deletes every object from the content-addressable store and action cache."`
	} `command:"cache" description:"Cache administration."`
}

const version = "0.1.0"

// watchDebounce is how long pipeline.Watch waits after the last relevant
// filesystem event before triggering a rebuild.
const watchDebounce = 300 * time.Millisecond

func main() {
	if len(os.Args) > 1 && os.Args[1] == sandbox.ReExecArg {
		// Shortcut this, it's a re-exec of ourselves into a sandbox and
		// going through the normal flag-parsing path would be pointless.
		if err := reExecInit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	os.Exit(run())
}

func run() int {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}
	if opts.HelpFlags.Version {
		fmt.Printf("hitzeleiter version %s\n", version)
		return 0
	}
	cli.InitLogging(opts.OutputFlags.Verbosity)

	if parser.Active == nil {
		fmt.Fprintln(os.Stderr, "Expected a command, one of: build, gc, cache wipe")
		return 1
	}

	cfg, err := readConfig()
	if err != nil {
		log.Error("failed to read config: %s", err)
		return 1
	}
	if opts.BuildFlags.Machine != "" {
		cfg.Build.Machine = opts.BuildFlags.Machine
	}
	if opts.BuildFlags.Distro != "" {
		cfg.Build.Distro = opts.BuildFlags.Distro
	}
	if opts.BuildFlags.NumThreads > 0 {
		cfg.Build.ThreadCount = opts.BuildFlags.NumThreads
	}
	if opts.BuildFlags.OutputMode != "" {
		cfg.Build.OutputMode = opts.BuildFlags.OutputMode
	}

	metrics.InitFromConfig(cfg)
	defer metrics.Stop()

	switch parser.Active.Name {
	case "build":
		return runBuild(cfg)
	case "gc":
		return runGc(cfg)
	case "wipe":
		return runCacheWipe(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", parser.Active.Name)
		return 1
	}
}

// readConfig layers the machine, repo and local config files, same
// precedence as .plzconfig/.plzconfig.local, before applying any
// extra --config files the invocation named.
func readConfig() (*config.Configuration, error) {
	filenames := []string{
		config.MachineConfigFileName,
		config.ConfigFileName,
		config.LocalConfigFileName,
	}
	filenames = append(filenames, opts.BuildFlags.ConfigFile...)
	return config.ReadConfigFiles(filenames)
}

// runBuild parses every recipe reachable from the given layer roots,
// resolves the graph, and executes every task whose signature the action
// cache doesn't already have.
func runBuild(cfg *config.Configuration) int {
	layers := layer.NewContext()
	layers.SetMachine(cfg.Build.Machine)
	layers.SetDistro(cfg.Build.Distro)
	for _, root := range opts.Build.Args.Layers {
		if err := layers.AddLayerFromConf(root); err != nil {
			log.Error("failed to register layer %s: %s", root, err)
			return 1
		}
	}
	if err := layers.VerifyDependencies(); err != nil {
		log.Error("layer dependency check failed: %s", err)
		return 1
	}

	store, err := cas.NewStore(cfg.Cache.Dir)
	if err != nil {
		log.Error("failed to open content-addressable store: %s", err)
		return 1
	}
	store.SetFastDigest(cfg.Cache.FastDigest)
	if cfg.Cache.RemoteURL != "" {
		store.SetRemote(cacheremote.New(cfg.Cache.RemoteURL))
	}
	actions, err := actioncache.New(cfg.Cache.ActionDir)
	if err != nil {
		log.Error("failed to open action cache: %s", err)
		return 1
	}
	backend, err := newBackend(cfg)
	if err != nil {
		log.Error("failed to initialise sandbox backend: %s", err)
		return 1
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	exec := executor.New(store, actions, backend)

	sigPath := filepath.Join(cfg.Cache.Dir, "..", "signatures.json")
	sigs := signature.Load(sigPath)

	preferredVersions := map[string]string{}
	for _, pin := range opts.BuildFlags.PreferredVersion {
		bpn, ver, ok := splitPin(pin)
		if !ok {
			log.Warning("ignoring malformed --preferred_version %q, expected bpn:version", pin)
			continue
		}
		preferredVersions[bpn] = ver
	}

	buildOnce := func() int {
		p := pipeline.New(cfg, layers, exec, sigs)
		for bpn, ver := range preferredVersions {
			p.SetPreferredVersion(bpn, ver)
		}

		recipes, err := pipeline.DiscoverRecipes(opts.Build.Args.Layers)
		if err != nil {
			log.Error("failed to discover recipes: %s", err)
			return 1
		}
		buildCtx := context.Background()
		if errs := p.ParseAndRegister(buildCtx, recipes); len(errs) > 0 {
			combined := multierror.Append(nil, errs...)
			log.Warning("%d recipes dropped: %s", len(errs), combined)
		}
		if err := p.ResolveGraph(buildCtx); err != nil {
			log.Error("%s", err)
			return 1
		}
		if opts.Build.Graphviz != "" {
			if err := writeGraphviz(opts.Build.Graphviz, p); err != nil {
				log.Warning("failed to write graphviz export: %s", err)
			}
		}

		report, err := p.Run(buildCtx)
		if err != nil {
			log.Error("build aborted: %s", err)
			return 1
		}
		if err := sigs.Save(); err != nil {
			log.Warning("failed to persist signature store: %s", err)
		}

		log.Notice("%d tasks executed, %d failed (cache hit rate %.1f%%)",
			report.Executed, len(report.Failed), exec.Stats.HitRate()*100)
		for ref, failErr := range report.Failed {
			log.Error("%s: %s", ref, failErr)
		}
		if len(report.Failed) > 0 {
			return 2
		}
		return 0
	}

	code := buildOnce()
	if !opts.Build.Watch {
		return code
	}

	log.Notice("watching %v for changes, ctrl-C to stop", opts.Build.Args.Layers)
	err = pipeline.Watch(context.Background(), opts.Build.Args.Layers, watchDebounce, func() {
		buildOnce()
	})
	if err != nil && err != context.Canceled {
		log.Error("watch aborted: %s", err)
		return 1
	}
	return 0
}

// runGc sweeps the content-addressable store of anything no live
// action-cache entry references, then evicts further objects by LRU if it's
// still over budget.
func runGc(cfg *config.Configuration) int {
	store, err := cas.NewStore(cfg.Cache.Dir)
	if err != nil {
		log.Error("failed to open content-addressable store: %s", err)
		return 1
	}
	store.SetFastDigest(cfg.Cache.FastDigest)
	actions, err := actioncache.New(cfg.Cache.ActionDir)
	if err != nil {
		log.Error("failed to open action cache: %s", err)
		return 1
	}
	target := int64(cfg.Cache.GCTargetBytes)
	if opts.Gc.TargetBytes > 0 {
		target = int64(opts.Gc.TargetBytes)
	}
	report, err := gc.Collect(store, actions, target)
	if err != nil {
		log.Error("gc failed: %s", err)
		return 1
	}
	log.Notice("gc: removed %d unreachable objects, evicted %d more, freed %d bytes",
		report.Unreachable, report.Evicted, report.BytesFreed)
	if cfg.Cache.FastDigest {
		log.Info("cas: %d objects fast-digested this run", store.Stats().FastDigests)
	}
	return 0
}

// writeGraphviz writes p's resolved recipe graph and task graph as Graphviz
// dot documents to <base>.recipes.dot and <base>.tasks.dot.
func writeGraphviz(base string, p *pipeline.Pipeline) error {
	if err := os.WriteFile(base+".recipes.dot", []byte(p.Graph.DOT()), 0644); err != nil {
		return err
	}
	return os.WriteFile(base+".tasks.dot", []byte(p.TaskGraph.DOT()), 0644)
}

// runCacheWipe deletes every object from the content-addressable store and
// every entry from the action cache, the blunt alternative to runGc's
// reachability-based sweep: where gc only removes what no action-cache
// entry references any more (plus LRU eviction), wipe empties both caches unconditionally, the way the
// teacher's tools/cache_cleaner does for a Please cache server.
func runCacheWipe(cfg *config.Configuration) int {
	store, err := cas.NewStore(cfg.Cache.Dir)
	if err != nil {
		log.Error("failed to open content-addressable store: %s", err)
		return 1
	}
	actions, err := actioncache.New(cfg.Cache.ActionDir)
	if err != nil {
		log.Error("failed to open action cache: %s", err)
		return 1
	}

	sigs, err := actions.Entries()
	if err != nil {
		log.Error("failed to list action-cache entries: %s", err)
		return 1
	}
	for _, sig := range sigs {
		if err := actions.Invalidate(sig); err != nil {
			log.Warning("failed to invalidate action-cache entry %s: %s", sig, err)
		}
	}

	hashes, err := store.All()
	if err != nil {
		log.Error("failed to list store objects: %s", err)
		return 1
	}
	for _, h := range hashes {
		if err := store.Remove(h); err != nil {
			log.Warning("failed to remove object %s: %s", h, err)
		}
	}

	log.Notice("cache wipe: removed %d action-cache entries and %d store objects", len(sigs), len(hashes))
	return 0
}

// newBackend constructs the sandbox backend named by Config.Sandbox.Backend,
// overridden by a remote-execution client whenever Config.Remote.URL is set.
func newBackend(cfg *config.Configuration) (sandbox.Backend, error) {
	if cfg.Remote.URL != "" {
		return remoteexec.Dial(cfg.Remote.URL, cfg.Remote.InstanceName)
	}
	switch cfg.Sandbox.Backend {
	case "linux":
		root := filepath.Join(cfg.Cache.Dir, "..", "sandbox")
		if err := cas.EnsureDir(root); err != nil {
			return nil, err
		}
		return newLinuxBackend(root, process.New())
	default:
		root := filepath.Join(cfg.Cache.Dir, "..", "sandbox")
		if err := cas.EnsureDir(root); err != nil {
			return nil, err
		}
		return &sandbox.FallbackBackend{Root: root, Executor: process.New()}, nil
	}
}

// splitPin splits a "bpn:version" pin, returning ok=false if pin has no colon.
func splitPin(pin string) (bpn, version string, ok bool) {
	for i := 0; i < len(pin); i++ {
		if pin[i] == ':' {
			return pin[:i], pin[i+1:], true
		}
	}
	return "", "", false
}
