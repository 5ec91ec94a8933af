// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contentstore provides append-only, content-addressed storage for
// derived artifacts (full text, per-page text, diagrams, paragraphs).
//
// Artifacts are keyed by (content_hmac, algorithm_version, params_fingerprint)
// plus a kind discriminant and optional page/sub indexes. Content addressing
// assumes determinism per algorithm version: putting a different payload under
// an existing key is a programmer error and fails loudly with
// ErrContentMismatch rather than silently overwriting. Changing the extraction
// algorithm or its parameters changes the key, so new versions never collide
// with stale artifacts; old versions remain retrievable until explicitly
// garbage-collected.
//
// Payload bytes live in a blob.Store; this package keeps only a reference
// (URI, digest, size) per artifact.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/clauselight/clauselight/services/analysis/blob"
	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

var tracer = otel.Tracer("clauselight.contentstore")

var (
	// ErrNotFound is returned when no artifact exists under the key.
	// Callers treat it as "needs computation", not as a failure.
	ErrNotFound = errors.New("artifact not found")

	// ErrContentMismatch is returned when Put is called with a payload
	// whose digest differs from the one already stored under the key.
	ErrContentMismatch = errors.New("artifact payload differs from stored content")

	// ErrCorruptPayload is returned when a stored payload no longer
	// matches its recorded digest.
	ErrCorruptPayload = errors.New("artifact payload failed digest verification")

	// ErrInvalidKey is returned for keys with empty or malformed fields.
	ErrInvalidKey = errors.New("invalid artifact key")
)

const keyPrefix = "art/"

// Kind discriminates artifact types sharing the addressing scheme.
type Kind string

const (
	KindFullText  Kind = "full_text"
	KindPageText  Kind = "page_text"
	KindDiagram   Kind = "diagram"
	KindParagraph Kind = "paragraph"
)

// Key identifies one immutable artifact.
type Key struct {
	// ContentHMAC is the keyed digest of the normalized source content,
	// computed upstream by the ingestion pipeline.
	ContentHMAC string `json:"content_hmac"`

	// AlgorithmVersion is the semver of the extraction algorithm ("v1.2.0").
	AlgorithmVersion string `json:"algorithm_version"`

	// ParamsFingerprint identifies the extraction parameters.
	ParamsFingerprint string `json:"params_fingerprint"`

	// Kind discriminates the artifact type.
	Kind Kind `json:"kind"`

	// PageNumber is 1-based for per-page artifacts, 0 otherwise.
	PageNumber int `json:"page_number,omitempty"`

	// SubIndex orders multiple artifacts within a page, 0 otherwise.
	SubIndex int `json:"sub_index,omitempty"`
}

// Validate checks the key's fields.
func (k Key) Validate() error {
	switch {
	case k.ContentHMAC == "" || strings.ContainsRune(k.ContentHMAC, '/'):
		return fmt.Errorf("%w: content_hmac %q", ErrInvalidKey, k.ContentHMAC)
	case !semver.IsValid(k.AlgorithmVersion):
		return fmt.Errorf("%w: algorithm_version %q is not valid semver", ErrInvalidKey, k.AlgorithmVersion)
	case k.ParamsFingerprint == "" || strings.ContainsRune(k.ParamsFingerprint, '/'):
		return fmt.Errorf("%w: params_fingerprint %q", ErrInvalidKey, k.ParamsFingerprint)
	case k.Kind == "":
		return fmt.Errorf("%w: kind must not be empty", ErrInvalidKey)
	case k.PageNumber < 0 || k.SubIndex < 0:
		return fmt.Errorf("%w: negative page or sub index", ErrInvalidKey)
	}
	return nil
}

// storageKey is the badger key for the artifact's metadata record.
func (k Key) storageKey() []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/%s/%08d/%08d",
		keyPrefix, k.ContentHMAC, k.AlgorithmVersion, k.ParamsFingerprint, k.Kind, k.PageNumber, k.SubIndex))
}

// blobName is the payload's name in the blob store.
func (k Key) blobName() string {
	return fmt.Sprintf("%s/%s/%s/%s/%d-%d",
		k.ContentHMAC, k.AlgorithmVersion, k.ParamsFingerprint, k.Kind, k.PageNumber, k.SubIndex)
}

// ArtifactRef points at a stored artifact.
type ArtifactRef struct {
	Key       Key       `json:"key"`
	URI       string    `json:"uri"`
	Digest    string    `json:"digest"` // hex sha256 of the payload
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the content-addressed artifact store.
type Store struct {
	db     *badger.DB
	blobs  blob.Store
	logger *slog.Logger
}

// New creates a Store over the given database and blob backend.
func New(db *badger.DB, blobs blob.Store, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, blobs: blobs, logger: logger}, nil
}

// Put stores an artifact, idempotently.
//
// Description:
//
//	Computes the payload digest and stores the payload plus a metadata
//	record. Putting the same key with an equal payload is a no-op that
//	returns the existing reference. Putting the same key with a different
//	payload returns ErrContentMismatch: per-version extraction is expected
//	to be deterministic, so a mismatch means a caller bug, never data to
//	keep.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	key - Artifact key. Must validate.
//	payload - Artifact bytes. May be empty but not nil-meaningful.
//
// Outputs:
//
//	ArtifactRef - Reference to the stored (or pre-existing) artifact.
//	error - ErrInvalidKey, ErrContentMismatch, or a storage error.
//
// Thread Safety: Safe for concurrent use; racing writers of the same key
// and payload converge on one stored copy.
func (s *Store) Put(ctx context.Context, key Key, payload []byte) (ArtifactRef, error) {
	ctx, span := tracer.Start(ctx, "contentstore.put",
		trace.WithAttributes(
			attribute.String("artifact.kind", string(key.Kind)),
			attribute.String("artifact.algorithm_version", key.AlgorithmVersion),
			attribute.Int("artifact.size", len(payload)),
		),
	)
	defer span.End()

	if err := key.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ArtifactRef{}, err
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	// Fast path: key already present.
	if existing, err := s.GetRef(ctx, key); err == nil {
		if existing.Digest != digest {
			span.SetStatus(codes.Error, ErrContentMismatch.Error())
			return ArtifactRef{}, fmt.Errorf("%w: key %s has digest %s, put called with %s",
				ErrContentMismatch, key.storageKey(), existing.Digest, digest)
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return ArtifactRef{}, err
	}

	// Write the payload first; the metadata record is the commit point.
	// Blob names are derived from the key, so a crash between the two
	// writes leaves an unreferenced blob the retention sweep can reclaim,
	// never a dangling reference.
	uri, err := s.blobs.Put(ctx, key.blobName(), payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ArtifactRef{}, fmt.Errorf("store payload: %w", err)
	}

	ref := ArtifactRef{
		Key:       key,
		URI:       uri,
		Digest:    digest,
		Size:      int64(len(payload)),
		CreatedAt: time.Now().UTC(),
	}

	var winner ArtifactRef
	err = s.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key.storageKey())
		if err == nil {
			// Lost the race; adopt the winner if digests agree.
			var existing ArtifactRef
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return fmt.Errorf("decode artifact ref: %w", err)
			}
			if existing.Digest != digest {
				return fmt.Errorf("%w: concurrent put stored digest %s, ours is %s",
					ErrContentMismatch, existing.Digest, digest)
			}
			winner = existing
			return nil
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("encode artifact ref: %w", err)
		}
		winner = ref
		return txn.Set(key.storageKey(), data)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ArtifactRef{}, err
	}

	s.logger.Debug("artifact stored",
		slog.String("kind", string(key.Kind)),
		slog.String("algorithm_version", key.AlgorithmVersion),
		slog.Int64("size", winner.Size),
	)
	return winner, nil
}

// GetRef returns the artifact reference, or ErrNotFound.
func (s *Store) GetRef(ctx context.Context, key Key) (ArtifactRef, error) {
	if err := key.Validate(); err != nil {
		return ArtifactRef{}, err
	}

	var ref ArtifactRef
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key.storageKey())
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &ref) })
	})
	if err != nil {
		return ArtifactRef{}, err
	}
	return ref, nil
}

// Get returns the artifact payload, verifying it against the stored digest.
//
// Outputs:
//
//	[]byte - The payload.
//	ArtifactRef - Its reference.
//	error - ErrNotFound when absent; ErrCorruptPayload when the stored
//	bytes no longer match the recorded digest.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, ArtifactRef, error) {
	ctx, span := tracer.Start(ctx, "contentstore.get",
		trace.WithAttributes(attribute.String("artifact.kind", string(key.Kind))),
	)
	defer span.End()

	ref, err := s.GetRef(ctx, key)
	if err != nil {
		return nil, ArtifactRef{}, err
	}

	payload, err := s.blobs.Get(ctx, key.blobName())
	if errors.Is(err, blob.ErrNotFound) {
		// Metadata without payload: treat as absent so the caller
		// recomputes, and flag it for operators.
		s.logger.Warn("artifact metadata present but payload missing",
			slog.String("uri", ref.URI))
		return nil, ArtifactRef{}, fmt.Errorf("%w: payload missing for %s", ErrNotFound, ref.URI)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, ArtifactRef{}, err
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != ref.Digest {
		span.SetStatus(codes.Error, ErrCorruptPayload.Error())
		return nil, ArtifactRef{}, fmt.Errorf("%w: %s", ErrCorruptPayload, ref.URI)
	}

	return payload, ref, nil
}

// ListByContent returns all artifact references for a content HMAC, across
// algorithm versions and kinds. Used by read-time composition, never by the
// authorization path.
func (s *Store) ListByContent(ctx context.Context, contentHMAC string) ([]ArtifactRef, error) {
	if contentHMAC == "" || strings.ContainsRune(contentHMAC, '/') {
		return nil, fmt.Errorf("%w: content_hmac %q", ErrInvalidKey, contentHMAC)
	}

	prefix := []byte(keyPrefix + contentHMAC + "/")
	var refs []ArtifactRef

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ref ArtifactRef
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ref) }); err != nil {
				return fmt.Errorf("decode artifact ref: %w", err)
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// DeleteVersionsBelow removes artifacts whose algorithm version precedes
// minVersion. This is the explicit retention policy: nothing else deletes
// artifacts.
//
// Outputs:
//
//	int - Number of artifacts removed.
//	error - Non-nil on storage failure.
func (s *Store) DeleteVersionsBelow(ctx context.Context, minVersion string) (int, error) {
	ctx, span := tracer.Start(ctx, "contentstore.delete_versions_below",
		trace.WithAttributes(attribute.String("artifact.min_version", minVersion)),
	)
	defer span.End()

	if !semver.IsValid(minVersion) {
		return 0, fmt.Errorf("%w: min version %q is not valid semver", ErrInvalidKey, minVersion)
	}

	// Collect doomed refs under a read transaction, then delete in
	// batches. The scan is acceptable here: retention is an operator
	// action, not a read path.
	var doomed []ArtifactRef
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ref ArtifactRef
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ref) }); err != nil {
				return fmt.Errorf("decode artifact ref: %w", err)
			}
			if semver.Compare(ref.Key.AlgorithmVersion, minVersion) < 0 {
				doomed = append(doomed, ref)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range doomed {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Delete(ref.Key.storageKey())
		})
		if err != nil {
			return removed, fmt.Errorf("delete artifact metadata: %w", err)
		}
		if err := s.blobs.Delete(ctx, ref.Key.blobName()); err != nil {
			s.logger.Warn("artifact payload delete failed",
				slog.String("uri", ref.URI),
				slog.String("error", err.Error()))
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("artifact retention sweep removed old versions",
			slog.String("min_version", minVersion),
			slog.Int("removed", removed))
	}
	return removed, nil
}
