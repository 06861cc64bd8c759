// Package remoteexec implements a sandbox.Backend that dispatches tasks to
// a Remote Execution API v2 server (https://github.com/bazelbuild/remote-apis)
// instead of running them locally, so a hermetic build can fan tasks out to
// a farm of workers that all share the same content-addressable protocol
// our local cas.Store already speaks.
package remoteexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/golang/protobuf/ptypes"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
)

var log = logging.MustGetLogger("remoteexec")

const dialTimeout = 5 * time.Second

// apiVersion is the REAPI version this client speaks.
var apiVersion = semver.SemVer{Major: 2}

// Client is a sandbox.Backend that runs tasks on a remote REAPI server
// instead of locally. It satisfies the same interface as
// sandbox.LinuxBackend/FallbackBackend so the executor never has to know
// which one it's talking to.
type Client struct {
	conn     *grpc.ClientConn
	instance string

	cas  pb.ContentAddressableStorageClient
	bs   bs.ByteStreamClient
	exec pb.ExecutionClient

	maxBatchSize int64
}

// Dial connects to the REAPI server at addr and verifies it supports both
// the API version and the execution capability this client requires.
func Dial(addr, instance string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dialling remote execution server %s: %w", addr, err)
	}

	c := &Client{conn: conn, instance: instance, maxBatchSize: 4 << 20}

	resp, err := pb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &pb.GetCapabilitiesRequest{InstanceName: instance})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("querying server capabilities: %w", err)
	}
	if lessThan(&apiVersion, resp.LowApiVersion) || lessThan(resp.HighApiVersion, &apiVersion) {
		conn.Close()
		return nil, fmt.Errorf("server does not support REAPI v%d", apiVersion.Major)
	}
	if resp.ExecutionCapabilities == nil || !resp.ExecutionCapabilities.ExecEnabled {
		conn.Close()
		return nil, fmt.Errorf("server %s does not support remote execution", addr)
	}
	if cc := resp.CacheCapabilities; cc != nil && cc.MaxBatchTotalSizeBytes > 0 {
		c.maxBatchSize = cc.MaxBatchTotalSizeBytes
	}

	c.cas = pb.NewContentAddressableStorageClient(conn)
	c.bs = bs.NewByteStreamClient(conn)
	c.exec = pb.NewExecutionClient(conn)
	log.Info("remote execution client connected to %s", addr)
	return c, nil
}

// Close tears down the client's connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func lessThan(a, b *semver.SemVer) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	return a.Minor < b.Minor
}

// Run satisfies sandbox.Backend: it uploads spec's inputs and command as a
// REAPI Action, executes it, waits for completion, and downloads its
// declared outputs, translating REAPI's wire types to sandbox.Result at the
// boundary so nothing above this package needs to know about protobufs.
func (c *Client) Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	start := time.Now()

	inputRoot, blobs, err := c.buildInputRoot(spec.Inputs)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("building input root for %s: %w", spec.TaskID, err)
	}
	rootDigest, rootBlob, err := c.digestMessage(inputRoot)
	if err != nil {
		return sandbox.Result{}, err
	}
	blobs = append(blobs, blob{digest: rootDigest, data: rootBlob})

	command := &pb.Command{
		Arguments:            spec.Command,
		EnvironmentVariables: environmentVariables(spec.Env),
		OutputPaths:          spec.Outputs,
	}
	commandDigest, commandBlob, err := c.digestMessage(command)
	if err != nil {
		return sandbox.Result{}, err
	}
	blobs = append(blobs, blob{digest: commandDigest, data: commandBlob})

	action := &pb.Action{
		CommandDigest:   commandDigest,
		InputRootDigest: rootDigest,
		Timeout:         ptypes.DurationProto(spec.Timeout),
	}
	actionDigest, actionBlob, err := c.digestMessage(action)
	if err != nil {
		return sandbox.Result{}, err
	}
	blobs = append(blobs, blob{digest: actionDigest, data: actionBlob})

	if err := c.uploadBlobs(ctx, blobs); err != nil {
		return sandbox.Result{}, fmt.Errorf("uploading action for %s: %w", spec.TaskID, err)
	}

	ar, err := c.execute(ctx, actionDigest.ToProto())
	if err != nil {
		return sandbox.Result{}, err
	}

	result := sandbox.Result{
		ExitCode: int(ar.ExitCode),
		Duration: time.Since(start),
	}
	if ar.StdoutRaw != nil {
		result.Stdout = ar.StdoutRaw
	} else if ar.StdoutDigest != nil {
		if b, err := c.downloadBlob(ctx, ar.StdoutDigest); err == nil {
			result.Stdout = b
		}
	}
	if ar.StderrRaw != nil {
		result.Stderr = ar.StderrRaw
	} else if ar.StderrDigest != nil {
		if b, err := c.downloadBlob(ctx, ar.StderrDigest); err == nil {
			result.Stderr = b
		}
	}

	result.Outputs = map[string]string{}
	if len(ar.OutputFiles) > 0 {
		downloadDir, err := os.MkdirTemp("", "remoteexec-"+sanitize(spec.TaskID)+"-")
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("creating local download dir for %s: %w", spec.TaskID, err)
		}
		for _, f := range ar.OutputFiles {
			data, err := c.downloadBlob(ctx, f.Digest)
			if err != nil {
				return sandbox.Result{}, fmt.Errorf("downloading output %s for %s: %w", f.Path, spec.TaskID, err)
			}
			local := filepath.Join(downloadDir, f.Path)
			if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
				return sandbox.Result{}, err
			}
			mode := os.FileMode(0644)
			if f.IsExecutable {
				mode = 0755
			}
			if err := os.WriteFile(local, data, mode); err != nil {
				return sandbox.Result{}, err
			}
			result.Outputs[f.Path] = local
		}
	}
	return result, nil
}

// sanitize strips characters a temp-directory component shouldn't carry
// (TaskID is "<recipe>:<task>").
func sanitize(taskID string) string {
	return strings.ReplaceAll(taskID, ":", "_")
}

// execute submits actionDigest for remote execution and blocks until the
// operation stream reports completion, mirroring the long-running-operation
// protocol REAPI uses: a stream of progress updates ending in either an
// Operation_Error or an Operation_Response carrying the ExecuteResponse.
func (c *Client) execute(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, error) {
	stream, err := c.exec.Execute(ctx, &pb.ExecuteRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("starting remote execution: %w", err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("waiting on remote execution: %w", err)
		}
		if !resp.Done {
			continue
		}
		switch result := resp.Result.(type) {
		case *longrunning.Operation_Error:
			return nil, fmt.Errorf("remote execution failed: %s", result.Error.Message)
		case *longrunning.Operation_Response:
			execResp := &pb.ExecuteResponse{}
			if err := ptypes.UnmarshalAny(result.Response, execResp); err != nil {
				return nil, fmt.Errorf("decoding execute response: %w", err)
			}
			if execResp.Status != nil && execResp.Status.Code != 0 {
				return execResp.Result, fmt.Errorf("remote execution failed: %s", execResp.Status.Message)
			}
			return execResp.Result, nil
		default:
			return nil, fmt.Errorf("operation finished with no result")
		}
	}
}

func environmentVariables(env []string) []*pb.Command_EnvironmentVariable {
	vars := make([]*pb.Command_EnvironmentVariable, 0, len(env))
	for _, e := range env {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				vars = append(vars, &pb.Command_EnvironmentVariable{Name: e[:i], Value: e[i+1:]})
				break
			}
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}
