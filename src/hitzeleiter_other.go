//go:build !linux
// +build !linux

package main

import (
	"fmt"

	"github.com/hitzeleiter/hitzeleiter/src/process"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
)

func reExecInit() error {
	return fmt.Errorf("sandbox re-exec is only supported on linux")
}

func newLinuxBackend(root string, executor *process.Executor) (sandbox.Backend, error) {
	return nil, fmt.Errorf("the linux sandbox backend is not available on this platform")
}
