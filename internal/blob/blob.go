// Package blob publishes finished run directories to an object store.
package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Driver identifies a concrete blob backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Driver() Driver
}

// Published summarizes one Publish call.
type Published struct {
	Driver Driver `json:"driver"`
	Prefix string `json:"prefix"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
}

// Publish uploads every regular file under dir to store, keyed by prefix plus
// the slash-separated path relative to dir. The local directory is only read.
func Publish(ctx context.Context, store Store, dir, prefix string, metadata map[string]string) (Published, error) {
	out := Published{Driver: store.Driver(), Prefix: prefix}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		info, err := putFile(ctx, store, key, p, metadata)
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		out.Files++
		out.Bytes += info.Size
		return nil
	})
	return out, err
}

func putFile(ctx context.Context, store Store, key, p string, metadata map[string]string) (Info, error) {
	f, err := os.Open(p)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return store.Put(ctx, key, f, PutOptions{ContentType: contentType(p), Metadata: metadata})
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdb", ".pdbqt", ".sdf", ".mol", ".mol2", ".tsv", ".prom":
		return "text/plain; charset=utf-8"
	case "":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Options selects and configures a backend.
type Options struct {
	Driver    Driver
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// New opens the backend named by opts.Driver.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFilesystem:
		return NewFS(opts.Dir)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Region:    opts.Region,
			Bucket:    opts.Bucket,
			Endpoint:  opts.Endpoint,
			PathStyle: opts.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob driver: %q", opts.Driver)
	}
}
