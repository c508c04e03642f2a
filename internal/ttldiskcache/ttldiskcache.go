// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// Package ttldiskcache provides a disk backed imagecache.Cache whose entries
// expire after a fixed TTL.
package ttldiskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
)

// entryMeta is the expiry sidecar stored next to the cached bytes.
type entryMeta struct {
	ExpiryTime time.Time `json:"expiry_time"`
}

// TTLDiskCache wraps the standard disk cache with TTL support.  Expiry
// times are kept in sidecar metadata files so the cached bytes themselves
// stay directly usable by the underlying disk cache.
type TTLDiskCache struct {
	*diskcache.Cache
	ttl         time.Duration
	metadataDir string
	mu          sync.RWMutex
}

// New creates a new TTLDiskCache with the specified base path and TTL.
func New(basePath string, ttl time.Duration) *TTLDiskCache {
	d := diskv.New(diskv.Options{
		BasePath: basePath,
		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})

	metadataDir := filepath.Join(basePath, "_metadata")
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		log.Printf("error creating metadata directory: %v", err)
	}

	return &TTLDiskCache{
		Cache:       diskcache.NewWithDiskv(d),
		ttl:         ttl,
		metadataDir: metadataDir,
	}
}

// Get retrieves data from the cache if it exists and hasn't expired.
func (c *TTLDiskCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, err := c.loadMeta(key)
	if err != nil {
		return nil, false
	}
	if !meta.ExpiryTime.IsZero() && time.Now().After(meta.ExpiryTime) {
		go c.Delete(key)
		return nil, false
	}

	return c.Cache.Get(key)
}

// Set stores data in the cache with the configured TTL.
func (c *TTLDiskCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := entryMeta{ExpiryTime: time.Now().Add(c.ttl)}
	if err := c.saveMeta(key, meta); err != nil {
		log.Printf("error saving cache metadata: %v", err)
		return
	}

	c.Cache.Set(key, data)
}

// Delete removes data from both the cache and its metadata.
func (c *TTLDiskCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Cache.Delete(key)
	if err := os.Remove(c.metaPath(key)); err != nil && !os.IsNotExist(err) {
		log.Printf("error deleting cache metadata: %v", err)
	}
}

// metaPath returns the sidecar file for key.  Keys are hashed since they are
// URLs, not safe filenames.
func (c *TTLDiskCache) metaPath(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(c.metadataDir, hex.EncodeToString(h[:])+".meta")
}

func (c *TTLDiskCache) saveMeta(key string, meta entryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(c.metaPath(key), data, 0644)
}

func (c *TTLDiskCache) loadMeta(key string) (entryMeta, error) {
	var meta entryMeta

	data, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("error reading cache metadata: %v", err)
		}
		return meta, err
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		log.Printf("error decoding cache metadata: %v", err)
		return meta, err
	}

	return meta, nil
}
