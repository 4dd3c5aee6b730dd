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

// Package objstore implements backend.Backend against a generation-gated
// object store. It is grounded on the objStore abstraction in
// _examples/transparency-dev-trillian-tessera/storage/aws/aws.go and
// storage/gcp/gcp.go: both clouds are accessed through the same narrow
// casStore interface (get-with-generation, put-if-absent, put-if-match), so
// the stripe-object state machine and head-object view-chain logic, which
// are identical on S3 and GCS, are written exactly once here.
//
// Where the in-memory backend (backend/memory) holds an osm.Object and a
// head object as live Go values behind a mutex, this backend holds their
// gob-encoded serialization behind a generation precondition: every mutation
// is a get-decode-apply-put cycle, retried against errConflict the way a
// compare-and-swap loop retries against a failed CAS.
package objstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/stripelog/stripelog/internal/osm"
	"github.com/stripelog/stripelog/status"
)

// withTransientRetry wraps a casStore round trip with bounded exponential
// backoff against transient status.ErrIoError failures (network blips,
// throttling). It never retries the semantic outcomes (status.ErrNotFound,
// status.ErrExists, errConflict) that the get-decode-mutate-put loops below
// dispatch on: those are state-machine transitions, not transport faults.
func withTransientRetry(ctx context.Context, f func() error) error {
	return retry.Do(f,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, status.ErrIoError) }),
		retry.LastErrorOnly(true),
	)
}

// errConflict is returned internally by casStore.putIfMatch when the stored
// generation no longer matches what the caller read. It never escapes this
// package; callers of Backend only ever see status sentinels.
var errConflict = errors.New("objstore: generation conflict")

// casStore is the minimal object-store operation set this backend needs:
// read-with-generation, create-only put, and generation-gated replace. Both
// the S3 and GCS implementations satisfy it.
type casStore interface {
	// get returns the object's bytes and an opaque generation token, or
	// status.ErrNotFound if the key does not exist.
	get(ctx context.Context, key string) ([]byte, string, error)
	// putIfAbsent creates key, or returns status.ErrExists if it is already
	// present (idempotent if the existing content is bit-for-bit identical,
	// mirroring the teacher's setObjectIfNoneMatch idempotency check).
	putIfAbsent(ctx context.Context, key string, data []byte) error
	// putIfMatch replaces key's content iff its current generation is still
	// gen, or returns errConflict otherwise.
	putIfMatch(ctx context.Context, key string, gen string, data []byte) error
}

// Backend is a casStore-backed implementation of backend.Backend.
type Backend struct {
	store casStore
	meta  map[string]string
}

type link struct {
	HeadOID string
	Prefix  string
}

// headRecord is the gob-encoded content of a log's head object.
type headRecord struct {
	Prefix     string
	Views      map[uint64][]byte
	MaxEpoch   uint64
	UniqueNext uint64
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

func linkKey(name string) string { return "link/" + name }

func (b *Backend) Meta() map[string]string { return b.meta }

func (b *Backend) CreateLog(ctx context.Context, name string, firstViewPayload []byte) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	hoid := "head/" + name
	prefix := name

	// putIfAbsent accepts byte-identical content, so an existing link has to
	// be detected explicitly for a repeat create to report ErrExists.
	if _, _, err := b.store.get(ctx, linkKey(name)); err == nil {
		return "", "", status.ErrExists
	} else if !errors.Is(err, status.ErrNotFound) {
		return "", "", err
	}

	hr := headRecord{Prefix: prefix, Views: map[uint64][]byte{1: firstViewPayload}, MaxEpoch: 1}
	hrData, err := encodeGob(hr)
	if err != nil {
		return "", "", err
	}
	if err := b.store.putIfAbsent(ctx, hoid, hrData); err != nil {
		return "", "", err
	}

	lkData, err := encodeGob(link{HeadOID: hoid, Prefix: prefix})
	if err != nil {
		return "", "", err
	}
	if err := b.store.putIfAbsent(ctx, linkKey(name), lkData); err != nil {
		return "", "", err
	}
	return hoid, prefix, nil
}

func (b *Backend) OpenLog(ctx context.Context, name string) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	data, _, err := b.store.get(ctx, linkKey(name))
	if err != nil {
		return "", "", err
	}
	var lk link
	if err := decodeGob(data, &lk); err != nil {
		return "", "", err
	}
	if _, _, err := b.store.get(ctx, lk.HeadOID); err != nil {
		return "", "", err
	}
	return lk.HeadOID, lk.Prefix, nil
}

// mutateHead performs a get-decode-mutate-putIfMatch retry loop against the
// head object at headOID. f returns the value to hand back to the caller
// once the mutation durably lands.
func mutateHead[T any](ctx context.Context, b *Backend, headOID string, f func(*headRecord) (T, error)) (T, error) {
	var zero T
	for {
		data, gen, err := b.store.get(ctx, headOID)
		if err != nil {
			return zero, err
		}
		var hr headRecord
		if err := decodeGob(data, &hr); err != nil {
			return zero, err
		}
		result, err := f(&hr)
		if err != nil {
			return zero, err
		}
		newData, err := encodeGob(hr)
		if err != nil {
			return zero, err
		}
		if err := b.store.putIfMatch(ctx, headOID, gen, newData); err != nil {
			if errors.Is(err, errConflict) {
				continue
			}
			return zero, err
		}
		return result, nil
	}
}

func (b *Backend) UniqueID(ctx context.Context, headOID string) (uint64, error) {
	return mutateHead(ctx, b, headOID, func(hr *headRecord) (uint64, error) {
		id := hr.UniqueNext
		hr.UniqueNext++
		return id, nil
	})
}

func (b *Backend) ReadViews(ctx context.Context, headOID string, startEpoch uint64, max int) (map[uint64][]byte, error) {
	data, _, err := b.store.get(ctx, headOID)
	if err != nil {
		return nil, err
	}
	var hr headRecord
	if err := decodeGob(data, &hr); err != nil {
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

func (b *Backend) ProposeView(ctx context.Context, headOID string, epoch uint64, payload []byte) error {
	_, err := mutateHead(ctx, b, headOID, func(hr *headRecord) (struct{}, error) {
		if epoch != hr.MaxEpoch+1 {
			return struct{}{}, status.ErrStaleEpoch
		}
		if hr.Views == nil {
			hr.Views = map[uint64][]byte{}
		}
		hr.Views[epoch] = payload
		hr.MaxEpoch = epoch
		return struct{}{}, nil
	})
	return err
}

// mutateObject performs a get-decode-mutate-put retry loop against the
// stripe object at oid. If the object does not exist yet and create is
// false, status.ErrNotFound is returned without a retry loop.
func mutateObject[T any](ctx context.Context, b *Backend, oid string, create bool, f func(*osm.Object) (T, error)) (T, error) {
	var zero T
	for {
		data, gen, err := b.store.get(ctx, oid)
		notFound := errors.Is(err, status.ErrNotFound)
		if err != nil && !notFound {
			return zero, err
		}
		var obj *osm.Object
		if notFound {
			if !create {
				return zero, status.ErrNotFound
			}
			obj = osm.NewObject()
		} else {
			obj = osm.NewObject()
			if err := decodeGob(data, obj); err != nil {
				return zero, err
			}
		}

		result, ferr := f(obj)
		if ferr != nil {
			return zero, ferr
		}
		newData, err := encodeGob(obj)
		if err != nil {
			return zero, err
		}

		var putErr error
		if notFound {
			putErr = b.store.putIfAbsent(ctx, oid, newData)
			if errors.Is(putErr, status.ErrExists) {
				continue // someone else created it first; re-read and retry
			}
		} else {
			putErr = b.store.putIfMatch(ctx, oid, gen, newData)
			if errors.Is(putErr, errConflict) {
				continue
			}
		}
		if putErr != nil {
			return zero, putErr
		}
		return result, nil
	}
}

func (b *Backend) Read(ctx context.Context, oid string, epoch, position uint64) ([]byte, error) {
	return mutateObjectReadOnly(ctx, b, oid, func(o *osm.Object) ([]byte, error) {
		return o.Read(epoch, position)
	})
}

func (b *Backend) Write(ctx context.Context, oid string, epoch, position uint64, data []byte) error {
	_, err := mutateObject(ctx, b, oid, false, func(o *osm.Object) (struct{}, error) {
		return struct{}{}, o.Write(epoch, position, data)
	})
	return err
}

func (b *Backend) Fill(ctx context.Context, oid string, epoch, position uint64) error {
	_, err := mutateObject(ctx, b, oid, false, func(o *osm.Object) (struct{}, error) {
		return struct{}{}, o.Fill(epoch, position)
	})
	return err
}

func (b *Backend) Trim(ctx context.Context, oid string, epoch, position uint64) error {
	_, err := mutateObject(ctx, b, oid, false, func(o *osm.Object) (struct{}, error) {
		return struct{}{}, o.Trim(epoch, position)
	})
	return err
}

func (b *Backend) Seal(ctx context.Context, oid string, epoch uint64) error {
	_, err := mutateObject(ctx, b, oid, true, func(o *osm.Object) (struct{}, error) {
		return struct{}{}, o.Seal(epoch)
	})
	return err
}

func (b *Backend) MaxPos(ctx context.Context, oid string, epoch uint64) (uint64, bool, error) {
	type maxPos struct {
		pos   uint64
		empty bool
	}
	r, err := mutateObjectReadOnly(ctx, b, oid, func(o *osm.Object) (maxPos, error) {
		pos, empty, err := o.MaxPos(epoch)
		return maxPos{pos, empty}, err
	})
	return r.pos, r.empty, err
}

// mutateObjectReadOnly is mutateObject's read-only sibling: no put is
// attempted, so f must not mutate the object in a way the caller needs
// persisted (osm.Object.MaxPos never does).
func mutateObjectReadOnly[T any](ctx context.Context, b *Backend, oid string, f func(*osm.Object) (T, error)) (T, error) {
	var zero T
	data, _, err := b.store.get(ctx, oid)
	if err != nil {
		return zero, err
	}
	obj := osm.NewObject()
	if err := decodeGob(data, obj); err != nil {
		return zero, err
	}
	return f(obj)
}
