// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides an imagecache.Cache implementation that stores
// cached image bytes on Amazon S3, with optional TTL support.
package s3cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// cacheEntry wraps cached bytes with their expiry time, so TTL travels with
// the object itself rather than in a separate store.
type cacheEntry struct {
	Data       []byte    `json:"data"`
	ExpiryTime time.Time `json:"expiry_time,omitempty"`
}

type cache struct {
	s3iface.S3API
	bucket, prefix string
	ttl            time.Duration
}

func (c *cache) Get(key string) ([]byte, bool) {
	okey := c.objectKey(key)
	resp, err := c.GetObject(&s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &okey,
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() != "NoSuchKey" {
			log.Printf("error fetching from s3: %v", aerr)
		}
		return nil, false
	}
	defer resp.Body.Close()

	var entry cacheEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		log.Printf("error decoding cache entry: %v", err)
		return nil, false
	}

	if !entry.ExpiryTime.IsZero() && time.Now().After(entry.ExpiryTime) {
		go c.Delete(key)
		return nil, false
	}

	return entry.Data, true
}

func (c *cache) Set(key string, value []byte) {
	entry := cacheEntry{Data: value}
	if c.ttl > 0 {
		entry.ExpiryTime = time.Now().Add(c.ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error encoding cache entry: %v", err)
		return
	}

	key = c.objectKey(key)
	_, err = c.PutObject(&s3.PutObjectInput{
		Body:   aws.ReadSeekCloser(bytes.NewReader(data)),
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		log.Printf("error writing to s3: %v", err)
	}
}

func (c *cache) Delete(key string) {
	key = c.objectKey(key)
	_, err := c.DeleteObject(&s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		log.Printf("error deleting from s3: %v", err)
	}
}

func (c *cache) objectKey(key string) string {
	return path.Join(c.prefix, keyToFilename(key))
}

func keyToFilename(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// New constructs a cache configured using the provided URL string.  URL
// should be of the form: "s3://region/bucket/optional-path-prefix".
func New(s string) (*cache, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	region := u.Host
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	bucket := parts[0]
	var prefix string
	if len(parts) > 1 {
		prefix = parts[1]
	}

	config := aws.NewConfig().WithRegion(region)

	// allow overriding some additional config options, mostly useful when
	// working with s3-compatible services other than AWS.
	if v := u.Query().Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if v := u.Query().Get("disableSSL"); v == "1" {
		config = config.WithDisableSSL(true)
	}
	if v := u.Query().Get("s3ForcePathStyle"); v == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}

	return &cache{
		S3API:  s3.New(sess),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewWithTTL constructs a cache like New whose entries expire after the
// specified TTL.
func NewWithTTL(s string, ttl time.Duration) (*cache, error) {
	c, err := New(s)
	if err != nil {
		return nil, err
	}
	c.ttl = ttl
	return c, nil
}
