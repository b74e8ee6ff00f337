// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package constants loads the persistent tensors of a graph (constants and trained parameters)
// into a device.Store.
//
// The tensors are listed in a Manifest, a JSON file like:
//
//	{
//	  "constants": [
//	    {"key": "bias", "hash": "<sha256 of the contents>", "dtype": "float32", "dims": [3]}
//	  ]
//	}
//
// The contents of each tensor, in row-major order and host byte order, are stored as a blob keyed
// by their SHA-256 hash (hex encoded), and read with a BlobReader: a LocalBlobReader for a
// directory, or a GCSBlobReader for a Google Cloud Storage bucket.
package constants

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ManifestFile is the conventional name of the manifest in a blob directory.
const ManifestFile = "manifest.json"

// Entry describes one persistent tensor.
type Entry struct {
	Key   device.NodeKey `json:"key"`
	Hash  string         `json:"hash"`
	DType string         `json:"dtype"`
	Dims  []int          `json:"dims,omitempty"`
}

// Shape of the tensor described by the entry.
func (e Entry) Shape() (shapes.Shape, error) {
	dtype, err := dtypes.DTypeString(e.DType)
	if err != nil || dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("constant %q: invalid dtype %q", e.Key, e.DType)
	}
	for _, dim := range e.Dims {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("constant %q: invalid dimensions %v", e.Key, e.Dims)
		}
	}
	return shapes.Make(dtype, e.Dims...), nil
}

// Manifest lists the persistent tensors of a graph.
type Manifest struct {
	Constants []Entry `json:"constants"`
}

// ReadManifest parses a manifest. Keys must be unique.
func ReadManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Wrap(err, "parsing constants manifest")
	}
	seen := make(map[device.NodeKey]bool, len(m.Constants))
	for _, entry := range m.Constants {
		if entry.Key == "" {
			return nil, errors.New("constants manifest has an entry without key")
		}
		if seen[entry.Key] {
			return nil, errors.Errorf("constants manifest has duplicate key %q", entry.Key)
		}
		seen[entry.Key] = true
	}
	return m, nil
}

// ReadManifestFile parses the manifest at path.
func ReadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening constants manifest")
	}
	defer func() { _ = f.Close() }()
	m, err := ReadManifest(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "manifest %q", path)
	}
	return m, nil
}

// Hash returns the hash used as the blob key of contents.
func Hash(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

// Load reads every tensor of the manifest with the reader and inserts it into the store, for the
// given device type. It returns the number of bytes loaded.
//
// The contents of each blob must match its hash and the byte size of its shape.
func Load(ctx context.Context, reader BlobReader, m *Manifest, store *device.Store, deviceType device.Type) (int, error) {
	var numBytes int
	for _, entry := range m.Constants {
		t, err := loadEntry(ctx, reader, entry, deviceType)
		if err != nil {
			return numBytes, err
		}
		if err := store.Insert(entry.Key, t); err != nil {
			return numBytes, err
		}
		numBytes += t.Size()
		klog.V(1).Infof("constants: loaded %q %s (%s)", entry.Key, t.Shape(), humanize.Bytes(uint64(t.Size())))
	}
	klog.V(1).Infof("constants: loaded %d tensors, %s", len(m.Constants), humanize.Bytes(uint64(numBytes)))
	return numBytes, nil
}

func loadEntry(ctx context.Context, reader BlobReader, entry Entry, deviceType device.Type) (*device.Tensor, error) {
	shape, err := entry.Shape()
	if err != nil {
		return nil, err
	}
	blob, err := reader.Open(ctx, BlobInfo{Hash: entry.Hash})
	if err != nil {
		return nil, errors.WithMessagef(err, "constant %q", entry.Key)
	}
	defer func() { _ = blob.Close() }()
	contents, err := io.ReadAll(io.LimitReader(blob, int64(shape.Memory())+1))
	if err != nil {
		return nil, errors.Wrapf(err, "reading constant %q", entry.Key)
	}
	if err := shape.CheckBytes(len(contents)); err != nil {
		return nil, errors.WithMessagef(err, "constant %q", entry.Key)
	}
	if hash := Hash(contents); hash != entry.Hash {
		return nil, errors.Errorf("constant %q: contents hash %s don't match %s", entry.Key, hash, entry.Hash)
	}
	t := device.NewTensor(string(entry.Key), shape, deviceType)
	t.SetPtr(contents)
	return t, nil
}
