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

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog/status"
)

// GCSConfig holds the GCP resource configuration for an objstore.Backend.
type GCSConfig struct {
	// Bucket is the GCS bucket holding every object this backend touches.
	Bucket string
}

// NewGCS returns a Backend storing every object as keys within a single GCS
// bucket, using generation-gated conditional writes for compare-and-swap.
// Grounded on the gcsStorage type in
// _examples/transparency-dev-trillian-tessera/storage/gcp/gcp.go.
func NewGCS(ctx context.Context, cfg GCSConfig) (*Backend, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs.NewClient: %w", err)
	}
	store := &gcsStore{bucket: c.Bucket(cfg.Bucket)}
	return &Backend{store: store, meta: map[string]string{"scheme": "gcs", "bucket": cfg.Bucket}}, nil
}

// gcsStore implements casStore against GCS, using object generation numbers
// as the "generation" token casStore.putIfMatch expects.
type gcsStore struct {
	bucket *gcs.BucketHandle
}

func (s *gcsStore) get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var gen string
	err := withTransientRetry(ctx, func() error {
		r, err := s.bucket.Object(key).NewReader(ctx)
		if err != nil {
			if errors.Is(err, gcs.ErrObjectNotExist) {
				return status.ErrNotFound
			}
			return status.IoError(fmt.Errorf("NewReader(%q): %w", key, err))
		}
		defer r.Close()
		body, err := io.ReadAll(r)
		if err != nil {
			return status.IoError(fmt.Errorf("reading %q: %w", key, err))
		}
		data = body
		gen = strconv.FormatInt(r.Attrs.Generation, 10)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, gen, nil
}

func (s *gcsStore) putIfAbsent(ctx context.Context, key string, data []byte) error {
	return withTransientRetry(ctx, func() error {
		err := s.write(ctx, key, data, &gcs.Conditions{DoesNotExist: true})
		if err == nil {
			return nil
		}
		if !isPreconditionFailed(err) && !isPreconditionFailedGCS(err) {
			return status.IoError(fmt.Errorf("writing %q: %w", key, err))
		}
		existing, _, gerr := s.get(ctx, key)
		if gerr != nil {
			return status.IoError(fmt.Errorf("resolving precondition failure for %q: %w", key, gerr))
		}
		if !bytes.Equal(existing, data) {
			return status.ErrExists
		}
		klog.V(2).Infof("objstore/gcs: putIfAbsent(%q) already present with identical content, continuing", key)
		return nil
	})
}

func (s *gcsStore) putIfMatch(ctx context.Context, key, gen string, data []byte) error {
	g, err := strconv.ParseInt(gen, 10, 64)
	if err != nil {
		return status.IoError(fmt.Errorf("parsing generation %q for %q: %w", gen, key, err))
	}
	return withTransientRetry(ctx, func() error {
		werr := s.write(ctx, key, data, &gcs.Conditions{GenerationMatch: g})
		if werr == nil {
			return nil
		}
		if isPreconditionFailedGCS(werr) {
			return errConflict
		}
		return status.IoError(fmt.Errorf("writing %q: %w", key, werr))
	})
}

func (s *gcsStore) write(ctx context.Context, key string, data []byte, cond *gcs.Conditions) error {
	w := s.bucket.Object(key).If(*cond).NewWriter(ctx)
	w.ContentType = contType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func isPreconditionFailedGCS(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
