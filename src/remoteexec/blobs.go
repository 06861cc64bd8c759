package remoteexec

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"google.golang.org/protobuf/proto"
)

// blob is one content-addressed payload awaiting upload, paired with the
// digest it was computed under so uploadBlobs doesn't have to recompute it.
type blob struct {
	digest digest.Digest
	data   []byte
}

// digestMessage marshals msg and returns its digest alongside the marshaled
// bytes, so the caller can both reference the digest in a parent message and
// queue the bytes for upload without marshaling twice.
func (c *Client) digestMessage(msg proto.Message) (digest.Digest, []byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return digest.Digest{}, nil, fmt.Errorf("marshaling %T: %w", msg, err)
	}
	return digest.NewFromBlob(data), data, nil
}

// dirBuilder accumulates files grouped by directory while buildInputRoot
// walks spec.Inputs, so it can assemble a nested pb.Directory tree bottom-up.
type dirBuilder struct {
	files map[string][]*pb.FileNode // dir path -> files directly in it
	dirs  map[string]map[string]bool // dir path -> set of immediate subdir names
}

// buildInputRoot turns a flat map of sandbox-relative paths to local source
// files into the REAPI input tree: every file digested and queued for
// upload, every directory along the way represented as a pb.Directory whose
// own digest is likewise queued.
func (c *Client) buildInputRoot(inputs map[string]string) (*pb.Directory, []blob, error) {
	b := &dirBuilder{files: map[string][]*pb.FileNode{}, dirs: map[string]map[string]bool{}}
	var blobs []blob

	var paths []string
	for rel := range inputs {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		data, err := os.ReadFile(inputs[rel])
		if err != nil {
			return nil, nil, fmt.Errorf("reading input %s: %w", rel, err)
		}
		d := digest.NewFromBlob(data)
		blobs = append(blobs, blob{digest: d, data: data})

		dir := path.Dir(rel)
		if dir == "." {
			dir = ""
		}
		b.files[dir] = append(b.files[dir], &pb.FileNode{
			Name:         path.Base(rel),
			Digest:       d.ToProto(),
			IsExecutable: false,
		})
		b.registerLineage(dir)
	}

	root, dirBlobs, err := b.build("")
	if err != nil {
		return nil, nil, err
	}
	blobs = append(blobs, dirBlobs...)
	return root, blobs, nil
}

// registerLineage ensures every ancestor of dir (up to the root) knows dir
// as an immediate child, so build can recurse into it.
func (b *dirBuilder) registerLineage(dir string) {
	for dir != "" {
		parent := path.Dir(dir)
		if parent == "." {
			parent = ""
		}
		if b.dirs[parent] == nil {
			b.dirs[parent] = map[string]bool{}
		}
		if b.dirs[parent][path.Base(dir)] {
			return // already linked, and so is everything above it
		}
		b.dirs[parent][path.Base(dir)] = true
		dir = parent
	}
}

// build recursively assembles the pb.Directory for dir and every directory
// beneath it, returning the blobs for every directory digested along the way
// (the root directory's own blob is the caller's responsibility to queue,
// since it's referenced directly by the Action rather than a parent node).
func (b *dirBuilder) build(dir string) (*pb.Directory, []blob, error) {
	d := &pb.Directory{Files: b.files[dir]}
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })

	var children []string
	for name := range b.dirs[dir] {
		children = append(children, name)
	}
	sort.Strings(children)

	var blobs []blob
	for _, name := range children {
		childPath := strings.TrimPrefix(dir+"/"+name, "/")
		child, childBlobs, err := b.build(childPath)
		if err != nil {
			return nil, nil, err
		}
		data, err := proto.Marshal(child)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling directory %s: %w", childPath, err)
		}
		childDigest := digest.NewFromBlob(data)
		d.Directories = append(d.Directories, &pb.DirectoryNode{Name: name, Digest: childDigest.ToProto()})
		blobs = append(blobs, childBlobs...)
		blobs = append(blobs, blob{digest: childDigest, data: data})
	}
	return d, blobs, nil
}

// uploadBlobs pushes every blob to the CAS via BatchUpdateBlobs, splitting
// into multiple batches when the total size would exceed the server's
// advertised limit.
func (c *Client) uploadBlobs(ctx context.Context, blobs []blob) error {
	var batch []*pb.BatchUpdateBlobsRequest_Request
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		resp, err := c.cas.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
			InstanceName: c.instance,
			Requests:     batch,
		})
		if err != nil {
			return err
		}
		for _, r := range resp.Responses {
			if r.Status != nil && r.Status.Code != 0 {
				return fmt.Errorf("uploading blob %s: %s", r.Digest.Hash, r.Status.Message)
			}
		}
		batch = nil
		batchSize = 0
		return nil
	}

	for _, b := range blobs {
		if batchSize+int64(len(b.data)) > c.maxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, &pb.BatchUpdateBlobsRequest_Request{
			Digest: b.digest.ToProto(),
			Data:   b.data,
		})
		batchSize += int64(len(b.data))
	}
	return flush()
}

// downloadBlob fetches a single blob by digest via BatchReadBlobs.
func (c *Client) downloadBlob(ctx context.Context, d *pb.Digest) ([]byte, error) {
	resp, err := c.cas.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: c.instance,
		Digests:      []*pb.Digest{d},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Responses {
		if r.Digest.Hash == d.Hash {
			if r.Status != nil && r.Status.Code != 0 {
				return nil, fmt.Errorf("downloading blob %s: %s", d.Hash, r.Status.Message)
			}
			return r.Data, nil
		}
	}
	return nil, fmt.Errorf("blob %s not present in read response", d.Hash)
}
