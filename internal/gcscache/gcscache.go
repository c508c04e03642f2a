// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcscache provides an imagecache.Cache implementation that stores
// cached image bytes on Google Cloud Storage.
package gcscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"path"

	"cloud.google.com/go/storage"
)

// objectHandle is the subset of *storage.ObjectHandle used by the cache,
// abstracted so tests can substitute a mock.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

// bucketHandle is the subset of *storage.BucketHandle used by the cache.
type bucketHandle interface {
	Object(name string) objectHandle
}

type cache struct {
	bucket bucketHandle
	prefix string
}

func (c *cache) Get(key string) ([]byte, bool) {
	r, err := c.object(key).NewReader(context.Background())
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			log.Printf("error reading from gcs: %v", err)
		}
		return nil, false
	}
	defer r.Close()

	value, err := io.ReadAll(r)
	if err != nil {
		log.Printf("error reading from gcs: %v", err)
		return nil, false
	}
	if len(value) == 0 {
		// treat empty objects as a miss rather than serving a zero
		// byte image
		return nil, false
	}

	return value, true
}

func (c *cache) Set(key string, value []byte) {
	w := c.object(key).NewWriter(context.Background())
	if _, err := w.Write(value); err != nil {
		log.Printf("error writing to gcs: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Printf("error closing gcs object writer: %v", err)
	}
}

func (c *cache) Delete(key string) {
	if err := c.object(key).Delete(context.Background()); err != nil {
		log.Printf("error deleting gcs object: %v", err)
	}
}

func (c *cache) object(key string) objectHandle {
	return c.bucket.Object(path.Join(c.prefix, keyToFilename(key)))
}

func keyToFilename(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// gcsBucket adapts *storage.BucketHandle to the bucketHandle interface.
type gcsBucket struct {
	*storage.BucketHandle
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

type gcsObject struct {
	*storage.ObjectHandle
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	return o.ObjectHandle.NewWriter(ctx)
}

// New constructs a cache storing image bytes in the specified GCS bucket.
// If prefix is not empty, objects will be prefixed with that path.
// Credentials should be specified using one of the mechanisms supported for
// Application Default Credentials (see
// https://cloud.google.com/docs/authentication/production).
func New(bucket, prefix string) (*cache, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}

	return NewWithBucket(gcsBucket{client.Bucket(bucket)}, prefix), nil
}

// NewWithBucket constructs a cache backed by the provided bucket handle.
func NewWithBucket(bucket bucketHandle, prefix string) *cache {
	return &cache{
		bucket: bucket,
		prefix: prefix,
	}
}
