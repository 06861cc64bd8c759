// Package config reads hitzeleiter's configuration files
// (/etc/hitzeleiterconfig, .hitzeleiterconfig, .hitzeleiterconfig.local),
// INI-style files in the same vein as Please's .plzconfig, merged in with
// sensible built-in defaults before any layer or recipe is parsed.
package config

import (
	"crypto/sha256"
	"os"
	"path"
	"runtime"

	gcfg "github.com/please-build/gcfg"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/cli"
)

// OsArch is the os/arch pair of the running machine, e.g. "linux_amd64".
const OsArch = runtime.GOOS + "_" + runtime.GOARCH

// ConfigFileName is the repo-level config file, normally checked in.
const ConfigFileName = ".hitzeleiterconfig"

// LocalConfigFileName overrides ConfigFileName for untracked, per-checkout settings.
const LocalConfigFileName = ".hitzeleiterconfig.local"

// MachineConfigFileName is the machine-wide config file.
const MachineConfigFileName = "/etc/hitzeleiterconfig"

// Configuration is the top-level, gcfg-parsed configuration object.
type Configuration struct {
	Build struct {
		Machine       string
		Distro        string
		ThreadCount   int
		Path          []string
		NetworkPolicy string
		Timeout       cli.Duration
		// OutputMode controls how task stdout is surfaced as tasks complete:
		// "" / "default" / "quiet" run silently, "group_immediate" prints
		// each task's captured stdout as soon as it finishes.
		OutputMode string
	}
	Cache struct {
		Dir           string
		ActionDir     string
		GCTargetBytes cli.ByteSize
		FastDigest    bool
		RemoteURL     string
	}
	Sandbox struct {
		Backend     string
		CPUQuotaUs  int
		MemoryBytes cli.ByteSize
		PidsMax     int
		IOWeight    int
	}
	Remote struct {
		URL          string
		InstanceName string
	}
	Bitbake struct {
		BBPath []string
	}
	Metrics struct {
		PushGatewayURL string
		PushFrequency  cli.Duration
		PushTimeout    cli.Duration
		PerRecipe      bool
	}
	CustomMetricLabels map[string]string
}

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil
	} else if gcfg.FatalOnly(err) != nil {
		return err
	} else if err != nil {
		log.Warning("non-fatal error in config file %s: %s", filename, err)
	}
	return nil
}

// ReadConfigFiles reads every location in filenames in order, merging each
// into a config object seeded with DefaultConfiguration — later files
// override earlier ones, the same layering Please applies across
// /etc/plzconfig, .plzconfig and .plzconfig.local.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	if len(config.Build.Path) == 0 {
		config.Build.Path = []string{"/usr/local/bin", "/usr/bin", "/bin"}
	}
	return config, nil
}

// DefaultConfiguration returns a Configuration populated with built-in defaults.
func DefaultConfiguration() *Configuration {
	config := &Configuration{}
	config.Build.ThreadCount = runtime.NumCPU()
	config.Build.NetworkPolicy = "Isolated"
	config.Build.Timeout = cli.Duration(30 * 60 * 1e9)
	config.Cache.Dir = path.Join(".hitzeleiter-cache", "cas")
	config.Cache.ActionDir = path.Join(".hitzeleiter-cache", "actions")
	config.Cache.GCTargetBytes = cli.ByteSize(10 << 30) // 10GiB
	config.Sandbox.Backend = defaultSandboxBackend()
	config.Sandbox.CPUQuotaUs = 0 // unlimited
	config.Sandbox.PidsMax = 512
	config.Sandbox.IOWeight = 100
	config.Metrics.PushFrequency = cli.Duration(400 * 1e6) // 400ms
	config.Metrics.PushTimeout = cli.Duration(5 * 1e9)     // 5s
	return config
}

func defaultSandboxBackend() string {
	if runtime.GOOS == "linux" {
		return "linux"
	}
	return "none"
}

// Hash returns a hash of the configuration fields that affect every task's
// signature (MACHINE, DISTRO, network policy, sandbox backend) — anything that
// changes this hash should be treated as invalidating the whole build,
// mirroring the teacher's Configuration.Hash, which folds the general
// config surface into a single digest consulted before trusting cached
// rule hashes.
func (config *Configuration) Hash() cas.ContentHash {
	h := sha256.New()
	h.Write([]byte(config.Build.Machine))
	h.Write([]byte(config.Build.Distro))
	h.Write([]byte(config.Build.NetworkPolicy))
	h.Write([]byte(config.Sandbox.Backend))
	var out cas.ContentHash
	copy(out[:], h.Sum(nil))
	return out
}
