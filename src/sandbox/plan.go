package sandbox

import (
	"encoding/json"
	"os"
)

// ReExecArg is the argv[1] value cmd/hitzeleiter's main() recognizes as "I
// am the re-exec'd sandbox child, read my plan and set up namespaces
// before running the real command" rather than the top-level CLI.
const ReExecArg = "__sandbox_init__"

// planEnvVar names the environment variable carrying the path to the
// marshaled mountPlan the parent wrote for its child to read.
const planEnvVar = "HITZELEITER_SANDBOX_PLAN"

// mountPlan is everything the re-exec'd child needs to finish namespace
// and filesystem setup before handing off to the task's real command.
type mountPlan struct {
	SandboxDir    string
	WorkDir       string // SandboxDir/work, becomes the child's cwd
	Inputs        map[string]string
	SysrootGroups []SysrootGroup
	NetworkPolicy NetworkPolicy
	CPUQuotaUs    int64
	MemoryBytes   int64
	PidsMax       int64
	IOWeight      int64
	Command       []string
	Env           []string
}

func writePlan(path string, plan mountPlan) error {
	b, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func readPlan(path string) (mountPlan, error) {
	var plan mountPlan
	b, err := os.ReadFile(path)
	if err != nil {
		return plan, err
	}
	err = json.Unmarshal(b, &plan)
	return plan, err
}
