// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore stores payloads in a Google Cloud Storage bucket.
// URIs use the gs scheme: gs://bucket/prefix/name.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS-backed store.
//
// Description:
//
//	Wraps an existing GCS client. The client's lifecycle belongs to the
//	caller; Close it after the store is no longer used.
//
// Inputs:
//
//	client - An authenticated GCS client. Must not be nil.
//	bucket - Target bucket name. Must not be empty.
//	prefix - Optional object name prefix (e.g. "artifacts").
//
// Outputs:
//
//	*GCSStore - The store.
//	error - Non-nil if inputs are invalid.
func NewGCSStore(client *gcs.Client, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put writes the payload unless an object with the name already exists.
// The precondition makes concurrent writers of the same artifact race
// harmlessly: exactly one write lands, the rest observe it.
func (s *GCSStore) Put(ctx context.Context, name string, payload []byte) (string, error) {
	obj := s.object(name)
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, obj)

	w := s.client.Bucket(s.bucket).Object(obj).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		// Precondition failure (HTTP 412) means another writer already
		// stored this artifact; adopt it.
		if isPreconditionFailure(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close gcs object: %w", err)
	}
	return uri, nil
}

func isPreconditionFailure(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Get returns the payload, or ErrNotFound when the object is absent.
func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object(name)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open gcs object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs object: %w", err)
	}
	return data, nil
}

// Delete removes the object. Absent objects are a no-op.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(s.object(name)).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}
