// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// imagecache starts an HTTP server that serves cached, resized renditions of
// remote images.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PaulARoy/azurestoragecache"
	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/fcjr/aia-transport-go"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wanderly/imagecache"
	"github.com/wanderly/imagecache/internal/envy"
	"github.com/wanderly/imagecache/internal/gcscache"
	"github.com/wanderly/imagecache/internal/s3cache"
	"github.com/wanderly/imagecache/internal/ttldiskcache"
)

const defaultMemorySize = 100

var addr = flag.String("addr", "localhost:8080", "TCP address to listen on")
var allowHosts = flag.String("allowHosts", "", "comma separated list of allowed remote hosts")
var denyHosts = flag.String("denyHosts", "", "comma separated list of denied remote hosts")
var referrers = flag.String("referrers", "", "comma separated list of allowed referring hosts")
var followRedirects = flag.Bool("followRedirects", true, "follow redirects")
var baseURL = flag.String("baseURL", "", "default base URL for relative remote URLs")
var cache tieredCache
var signatureKeys signatureKeyList
var memorySize = flag.Int64("memorySize", defaultMemorySize, "size of the decoded image cache, in megabytes")
var timeout = flag.Duration("timeout", 0, "time limit for requests served by this server")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")
var contentTypes = flag.String("contentTypes", "image/*", "comma separated list of allowed content types")
var userAgent = flag.String("userAgent", "wanderly/imagecache", "user-agent used when fetching images from origin website")

func init() {
	flag.Var(&cache, "cache", "location to cache fetched image bytes")
	flag.Var(&signatureKeys, "signatureKey", "HMAC key used in calculating request signatures")
}

func main() {
	envy.Parse("IMAGECACHE")
	flag.Parse()

	transport, err := aia.NewTransport()
	if err != nil {
		log.Fatalf("error creating transport: %v", err)
	}

	l := imagecache.NewLoader(transport, cache.Cache)
	l.Images = imagecache.NewMemoryCache(*memorySize << 20)
	if *allowHosts != "" {
		l.AllowHosts = strings.Split(*allowHosts, ",")
	}
	if *denyHosts != "" {
		l.DenyHosts = strings.Split(*denyHosts, ",")
	}
	if *referrers != "" {
		l.Referrers = strings.Split(*referrers, ",")
	}
	if *contentTypes != "" {
		l.ContentTypes = strings.Split(*contentTypes, ",")
	}
	l.SignatureKeys = signatureKeys
	if *baseURL != "" {
		l.DefaultBaseURL, err = url.Parse(*baseURL)
		if err != nil {
			log.Fatalf("error parsing baseURL: %v", err)
		}
	}
	if !*followRedirects {
		l.Client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	l.Timeout = *timeout
	l.Verbose = *verbose
	l.UserAgent = *userAgent

	// flush the decoded image cache on SIGUSR1, for use by external memory
	// pressure monitors
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	go func() {
		for range sigs {
			log.Print("flushing decoded image cache")
			l.Images.Flush()
		}
	}()

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(l)

	server := &http.Server{
		Addr:    *addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Printf("imagecache listening on %s\n", server.Addr)
	log.Fatal(server.ListenAndServe())
}

type signatureKeyList [][]byte

func (skl *signatureKeyList) String() string {
	return fmt.Sprint(*skl)
}

func (skl *signatureKeyList) Set(value string) error {
	for _, v := range strings.Fields(value) {
		key := []byte(v)
		if strings.HasPrefix(v, "@") {
			file := strings.TrimPrefix(v, "@")
			var err error
			key, err = os.ReadFile(file)
			if err != nil {
				log.Fatalf("error reading signature file: %v", err)
			}
		}
		*skl = append(*skl, key)
	}
	return nil
}

// tieredCache allows specifying multiple caches via flags, which will create
// tiered caches using the twotier package.
type tieredCache struct {
	imagecache.Cache
}

func (tc *tieredCache) String() string {
	return fmt.Sprint(*tc)
}

func (tc *tieredCache) Set(value string) error {
	for _, v := range strings.Fields(value) {
		c, err := parseCache(v)
		if err != nil {
			return err
		}

		if tc.Cache == nil {
			tc.Cache = c
		} else {
			tc.Cache = twotier.New(tc.Cache, c)
		}
	}
	return nil
}

// parseCache parses c and returns the specified Cache implementation.
func parseCache(c string) (imagecache.Cache, error) {
	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache flag: %w", err)
	}

	switch u.Scheme {
	case "azure":
		return azurestoragecache.New("", "", u.Host)
	case "gcs":
		return gcscache.New(u.Host, strings.TrimPrefix(u.Path, "/"))
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "s3":
		if ttl := u.Query().Get("ttl"); ttl != "" {
			d, err := time.ParseDuration(ttl)
			if err != nil {
				return nil, fmt.Errorf("error parsing cache ttl: %w", err)
			}
			return s3cache.NewWithTTL(u.String(), d)
		}
		return s3cache.New(u.String())
	case "file":
		if ttl := u.Query().Get("ttl"); ttl != "" {
			d, err := time.ParseDuration(ttl)
			if err != nil {
				return nil, fmt.Errorf("error parsing cache ttl: %w", err)
			}
			return ttldiskcache.New(u.Path, d), nil
		}
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
