// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package constants

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
	"k8s.io/klog/v2"
)

// BlobInfo identifies a blob: the hash of its contents is also its key in the blob store.
type BlobInfo struct {
	Hash string
}

// BlobReader gives access to the contents of blobs.
type BlobReader interface {
	// Open the blob for reading. If no such blob exists, Open returns an error for which
	// errors.Is(err, os.ErrNotExist) is true.
	Open(ctx context.Context, info BlobInfo) (io.ReadCloser, error)
}

// checkHash rejects hashes that would not be a single path element / object name.
func checkHash(info BlobInfo) error {
	if info.Hash == "" || strings.ContainsAny(info.Hash, `/\`) || info.Hash == "." || info.Hash == ".." {
		return errors.Errorf("invalid blob hash %q", info.Hash)
	}
	return nil
}

// LocalBlobReader reads blobs from files named by their hash in a directory.
type LocalBlobReader struct {
	Dir string
}

var _ BlobReader = (*LocalBlobReader)(nil)

// Open implements BlobReader.
func (r *LocalBlobReader) Open(_ context.Context, info BlobInfo) (io.ReadCloser, error) {
	if err := checkHash(info); err != nil {
		return nil, err
	}
	path := filepath.Join(r.Dir, info.Hash)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening blob %q", path)
	}
	return f, nil
}

// GCSBlobReader reads blobs from objects named by their hash in a Google Cloud Storage bucket.
type GCSBlobReader struct {
	Bucket string
	client *storage.Client
}

var _ BlobReader = (*GCSBlobReader)(nil)

// NewGCSBlobReader creates a reader for the bucket. The options are given to the storage client, e.g.
// option.WithEndpoint or option.WithoutAuthentication for public buckets.
func NewGCSBlobReader(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSBlobReader, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS storage client")
	}
	return &GCSBlobReader{Bucket: bucket, client: client}, nil
}

// Open implements BlobReader.
func (r *GCSBlobReader) Open(ctx context.Context, info BlobInfo) (io.ReadCloser, error) {
	if err := checkHash(info); err != nil {
		return nil, err
	}
	gcsURL := "gs://" + r.Bucket + "/" + info.Hash
	klog.FromContext(ctx).V(1).Info("reading blob from GCS", "url", gcsURL)
	reader, err := r.client.Bucket(r.Bucket).Object(info.Hash).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrapf(os.ErrNotExist, "blob %q", gcsURL)
		}
		return nil, errors.Wrapf(err, "opening object from GCS %q", gcsURL)
	}
	return reader, nil
}

// Close the storage client.
func (r *GCSBlobReader) Close() error {
	return r.client.Close()
}
