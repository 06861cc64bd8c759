package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/hitzeleiter/hitzeleiter/src/process"
)

// Unshare runs the given program attached to this process's std in/out/err,
// in fresh mount and net namespaces as a task sandbox is; unlike a task
// sandbox it gets no PID namespace of its own. Useful for poking around
// inside an equivalent isolation manually, e.g. `hitzeleiter unshare bash`.
func Unshare(args []string) error {
	e := process.NewSandboxingExecutor(process.NamespaceAlways, "")
	cmd := e.ExecCommand(process.SandboxConfig{Network: true, Mount: true}, true, args[0], args[1:]...)

	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to run '%s': %w", strings.Join(args, " "), err)
	}
	return nil
}
