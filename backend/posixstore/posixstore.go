// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package posixstore implements backend.Backend against a local directory
// tree, for offline use and tests that shouldn't need cloud credentials.
// Grounded on the file_ops.go helpers in
// _examples/transparency-dev-trillian-tessera/storage/posix (createEx's
// create-then-hardlink for create-only writes, overwrite's
// write-temp-then-rename for replacing a file) adapted from tile/bundle
// files to this package's link/head/stripe object layout.
//
// Single-process coordination is a sync.Mutex, matching backend/memory.
// Across processes, creation is exclusive (createEx's hardlink fails if the
// target exists, so only one creator wins) and each overwrite's rename is
// atomic, the same primitives the teacher relies on. Updates to an existing
// head or stripe object are read-modify-write under the in-process mutex
// only, so two processes updating the same object concurrently can lose one
// of the updates.
package posixstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog/internal/osm"
	"github.com/stripelog/stripelog/status"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Backend is a filesystem-backed implementation of backend.Backend rooted
// at a directory.
type Backend struct {
	root string

	mu sync.Mutex
}

// New returns a Backend storing every object under root, creating root if
// it does not already exist.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, status.IoError(fmt.Errorf("mkdir %q: %w", root, err))
	}
	return &Backend{root: root}, nil
}

func (b *Backend) Meta() map[string]string {
	return map[string]string{"scheme": "posix", "root": b.root}
}

func (b *Backend) linkPath(name string) string { return filepath.Join(b.root, "link", name) }
func (b *Backend) headPath(oid string) string   { return filepath.Join(b.root, "head", oid) }
func (b *Backend) objPath(oid string) string    { return filepath.Join(b.root, "object", oid) }

type link struct {
	HeadOID string
	Prefix  string
}

type headRecord struct {
	Prefix     string
	Views      map[uint64][]byte
	MaxEpoch   uint64
	UniqueNext uint64
}

func (b *Backend) CreateLog(_ context.Context, name string, firstViewPayload []byte) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	hoid := name
	prefix := name
	hr := headRecord{Prefix: prefix, Views: map[uint64][]byte{1: firstViewPayload}, MaxEpoch: 1}
	hrData, err := encodeGob(hr)
	if err != nil {
		return "", "", err
	}
	if err := createEx(b.headPath(hoid), hrData); err != nil {
		if os.IsExist(err) {
			return "", "", status.ErrExists
		}
		return "", "", status.IoError(err)
	}

	lkData, err := encodeGob(link{HeadOID: hoid, Prefix: prefix})
	if err != nil {
		return "", "", err
	}
	if err := createEx(b.linkPath(name), lkData); err != nil {
		if os.IsExist(err) {
			return "", "", status.ErrExists
		}
		return "", "", status.IoError(err)
	}
	return hoid, prefix, nil
}

func (b *Backend) OpenLog(_ context.Context, name string) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := readFile(b.linkPath(name))
	if err != nil {
		return "", "", err
	}
	var lk link
	if err := decodeGob(data, &lk); err != nil {
		return "", "", err
	}
	if _, err := readFile(b.headPath(lk.HeadOID)); err != nil {
		return "", "", err
	}
	return lk.HeadOID, lk.Prefix, nil
}

func (b *Backend) UniqueID(_ context.Context, headOID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hr, err := b.readHead(headOID)
	if err != nil {
		return 0, err
	}
	id := hr.UniqueNext
	hr.UniqueNext++
	if err := b.writeHead(headOID, hr); err != nil {
		return 0, err
	}
	return id, nil
}

func (b *Backend) ReadViews(_ context.Context, headOID string, startEpoch uint64, max int) (map[uint64][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hr, err := b.readHead(headOID)
	if err != nil {
		return nil, err
	}
	out := map[uint64][]byte{}
	if startEpoch > hr.MaxEpoch {
		return out, nil
	}
	for e := startEpoch; e <= hr.MaxEpoch && len(out) < max; e++ {
		v, ok := hr.Views[e]
		if !ok {
			return nil, status.IoError(fmt.Errorf("missing view at epoch %d", e))
		}
		out[e] = v
	}
	return out, nil
}

func (b *Backend) ProposeView(_ context.Context, headOID string, epoch uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hr, err := b.readHead(headOID)
	if err != nil {
		return err
	}
	if epoch != hr.MaxEpoch+1 {
		return status.ErrStaleEpoch
	}
	if hr.Views == nil {
		hr.Views = map[uint64][]byte{}
	}
	hr.Views[epoch] = payload
	hr.MaxEpoch = epoch
	return b.writeHead(headOID, hr)
}

func (b *Backend) readHead(headOID string) (*headRecord, error) {
	data, err := readFile(b.headPath(headOID))
	if err != nil {
		return nil, err
	}
	hr := &headRecord{}
	if err := decodeGob(data, hr); err != nil {
		return nil, err
	}
	return hr, nil
}

func (b *Backend) writeHead(headOID string, hr *headRecord) error {
	data, err := encodeGob(hr)
	if err != nil {
		return err
	}
	if err := overwrite(b.headPath(headOID), data); err != nil {
		return status.IoError(err)
	}
	return nil
}

func (b *Backend) readObject(oid string, create bool) (*osm.Object, error) {
	data, err := readFile(b.objPath(oid))
	if err != nil {
		if errors.Is(err, status.ErrNotFound) && create {
			return osm.NewObject(), nil
		}
		return nil, err
	}
	obj := osm.NewObject()
	if err := decodeGob(data, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (b *Backend) writeObject(oid string, obj *osm.Object) error {
	data, err := encodeGob(obj)
	if err != nil {
		return err
	}
	if err := overwrite(b.objPath(oid), data); err != nil {
		return status.IoError(err)
	}
	return nil
}

func (b *Backend) Read(_ context.Context, oid string, epoch, position uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, false)
	if err != nil {
		return nil, err
	}
	return obj.Read(epoch, position)
}

func (b *Backend) Write(_ context.Context, oid string, epoch, position uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, false)
	if err != nil {
		return err
	}
	if err := obj.Write(epoch, position, data); err != nil {
		return err
	}
	return b.writeObject(oid, obj)
}

func (b *Backend) Fill(_ context.Context, oid string, epoch, position uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, false)
	if err != nil {
		return err
	}
	if err := obj.Fill(epoch, position); err != nil {
		return err
	}
	return b.writeObject(oid, obj)
}

func (b *Backend) Trim(_ context.Context, oid string, epoch, position uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, false)
	if err != nil {
		return err
	}
	if err := obj.Trim(epoch, position); err != nil {
		return err
	}
	return b.writeObject(oid, obj)
}

func (b *Backend) Seal(_ context.Context, oid string, epoch uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, true)
	if err != nil {
		return err
	}
	if err := obj.Seal(epoch); err != nil {
		return err
	}
	return b.writeObject(oid, obj)
}

func (b *Backend) MaxPos(_ context.Context, oid string, epoch uint64) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, err := b.readObject(oid, false)
	if err != nil {
		return 0, false, err
	}
	return obj.MaxPos(epoch)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, status.IoError(err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return status.IoError(err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound
		}
		return nil, status.IoError(err)
	}
	return data, nil
}

// createEx atomically creates a file at name containing d, failing with
// os.ErrExist if the target already exists. Mirrors the teacher's
// createEx: write to a scratch temp file, then hardlink it into place so a
// racing creator can never observe a partially written file.
func createEx(name string, d []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	tmp, err := createTemp(name, d)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp); err != nil {
			klog.Warningf("posixstore: failed to remove temporary file %q: %v", tmp, err)
		}
	}()
	return os.Link(tmp, name)
}

// overwrite atomically creates or replaces the file at name with d, via
// write-to-temp then rename (mirrors the teacher's overwrite).
func overwrite(name string, d []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	tmp, err := createTemp(name, d)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	return os.Rename(tmp, name)
}

func createTemp(prefix string, d []byte) (string, error) {
	var name string
	for try := 0; ; try++ {
		name = prefix + ".tmp." + strconv.Itoa(int(rand.Int32()))
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			if _, werr := f.Write(d); werr != nil {
				_ = f.Close()
				return "", werr
			}
			return name, f.Close()
		}
		if !os.IsExist(err) || try >= 10000 {
			return "", err
		}
	}
}
