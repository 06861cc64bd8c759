package sandbox

import (
	"bytes"
	"context"
	"os/exec"
)

type bytesBuffer = bytes.Buffer

// waitWithContext waits for cmd to exit, returning early with ctx.Err() if
// ctx is done first (the caller is then responsible for killing cmd).
func waitWithContext(ctx context.Context, cmd *exec.Cmd) error {
	ch := make(chan error, 1)
	go func() { ch <- cmd.Wait() }()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
