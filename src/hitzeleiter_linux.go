//go:build linux
// +build linux

package main

import (
	"github.com/hitzeleiter/hitzeleiter/src/process"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
)

func reExecInit() error {
	return sandbox.ReExecInit()
}

func newLinuxBackend(root string, executor *process.Executor) (sandbox.Backend, error) {
	return sandbox.NewLinuxBackend(root, executor), nil
}
