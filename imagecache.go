// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// Package imagecache provides an in-memory cache of decoded images bounded
// by estimated byte cost, and an image loader built on top of it.  For
// typical use of creating and using a Loader, see cmd/imagecache/main.go.
package imagecache

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gregjones/httpcache"
	"github.com/prometheus/client_golang/prometheus"
)

// Loader fetches, decodes, and caches remote images.
//
// Decoded images are memoized in Images, keyed by URL and target size.  A
// miss falls through to an HTTP fetch whose responses pass through an
// optional encoded-byte Cache tier.
//
// Note that a Loader used as an http.Handler should not be run behind a
// http.ServeMux, since the ServeMux aggressively cleans URLs and removes the
// double slash in the embedded request URL.
type Loader struct {
	Client *http.Client // client used to fetch remote URLs
	Images *MemoryCache // cache of decoded images

	// AllowHosts specifies a list of remote hosts that images can be
	// loaded from.  An empty list means all hosts are allowed.
	AllowHosts []string

	// DenyHosts specifies a list of remote hosts that images cannot be
	// loaded from.
	DenyHosts []string

	// Referrers, when given, requires that requests to the image loader
	// come from one of the listed hosts.
	Referrers []string

	// ContentTypes specifies a list of content types to allow.  An empty
	// list means all types are allowed.
	ContentTypes []string

	// SignatureKeys is a list of HMAC keys used to verify signed requests.
	// Any of them can sign the request.
	SignatureKeys [][]byte

	// DefaultBaseURL is the URL that relative remote URLs are resolved in
	// reference to.  If nil, all remote URLs specified in requests must be
	// absolute.
	DefaultBaseURL *url.URL

	// UserAgent specifies the User-Agent header sent when fetching remote
	// images.
	UserAgent string

	// Timeout specifies a time limit for requests served by the Loader's
	// HTTP handler.  A timeout of zero means no timeout.
	Timeout time.Duration

	// Verbose enables per-request logging.
	Verbose bool
}

// NewLoader constructs a new Loader.  The provided http RoundTripper will be
// used to fetch remote URLs.  If nil is provided, http.DefaultTransport will
// be used.  Fetched responses are cached in byteCache; if nil, responses are
// not cached.
func NewLoader(transport http.RoundTripper, byteCache Cache) *Loader {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if byteCache == nil {
		byteCache = NopCache
	}

	client := &http.Client{
		Transport: &httpcache.Transport{
			Transport:           transport,
			Cache:               byteCache,
			MarkCachedResponses: true,
		},
	}

	return &Loader{
		Client:       client,
		Images:       NewMemoryCache(DefaultMaxCost),
		ContentTypes: []string{"image/*"},
	}
}

// Load returns the image at locator, decoded for the rendition described by
// opt.  The decoded image cache is consulted first; on a miss the image is
// fetched, decoded, resized, and inserted.  A fetch cancelled through ctx
// never populates the cache.
func (l *Loader) Load(ctx context.Context, locator string, opt Options) (image.Image, error) {
	m, err := l.load(ctx, locator, opt)
	if err != nil {
		return nil, err
	}
	return m.Image, nil
}

func (l *Loader) load(ctx context.Context, locator string, opt Options) (*Image, error) {
	if m, ok := l.Images.Get(locator, opt); ok {
		if l.Verbose {
			glog.Infof("image served from cache: %v", locator)
		}
		return m, nil
	}

	b, _, err := l.fetch(ctx, locator)
	if err != nil {
		remoteImageFetchErrors.Inc()
		return nil, err
	}

	return l.decodeAndCache(ctx, b, locator, opt)
}

// decodeAndCache decodes the fetched image bytes b, resizes the result for
// opt, and inserts it into the decoded image cache under (locator, opt).
func (l *Loader) decodeAndCache(ctx context.Context, b []byte, locator string, opt Options) (*Image, error) {
	m, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if format == "jpeg" {
		m = orientImage(m, exifOrientation(bytes.NewReader(b)))
	}
	m = transformImage(m, opt)

	img := &Image{Image: m, Format: format}
	if ctx.Err() != nil {
		// cancelled work never touches the cache
		return nil, ctx.Err()
	}
	l.Images.Set(img, locator, opt)
	return img, nil
}

// rendition returns the encoded rendition of the fetched image bytes b,
// populating the decoded image cache along the way.
func (l *Loader) rendition(ctx context.Context, b []byte, locator string, opt Options) ([]byte, error) {
	if opt == emptyOptions {
		// bail if no transformation was requested
		return b, nil
	}

	// animated gifs are transformed frame-wise and bypass the decoded
	// image cache, which holds single frames
	if http.DetectContentType(b) == "image/gif" && (opt.Format == "" || opt.Format == "gif") {
		return Transform(b, opt)
	}

	timer := prometheus.NewTimer(imageTransformationSummary)
	defer timer.ObserveDuration()

	img, err := l.decodeAndCache(ctx, b, locator, opt)
	if err != nil {
		return nil, err
	}
	return encodeRendition(img, opt)
}

// encodeRendition encodes the cached decode of an image, honoring the format
// and quality requested by opt.
func encodeRendition(img *Image, opt Options) ([]byte, error) {
	format := img.Format
	if opt.Format != "" {
		format = opt.Format
	}
	return encodeImage(img.Image, format, opt.Quality)
}

// fetch retrieves the remote image bytes, passing through the encoded-byte
// cache tier.
func (l *Loader) fetch(ctx context.Context, locator string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, nil, err
	}
	if l.UserAgent != "" {
		req.Header.Set("User-Agent", l.UserAgent)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp, fmt.Errorf("remote URL %q returned status: %v", locator, resp.Status)
	}

	if !contentTypeMatches(l.ContentTypes, resp.Header.Get("Content-Type")) {
		return nil, resp, fmt.Errorf("remote URL %q returned disallowed content type: %q", locator, resp.Header.Get("Content-Type"))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, err
	}
	return b, resp, nil
}

// ServeHTTP handles image requests of the form /{options}/{remote-url},
// responding with the transformed image.
func (l *Loader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		return // ignore favicon requests
	}

	if r.URL.Path == "/healthz" {
		fmt.Fprint(w, "OK")
		return
	}

	timer := prometheus.NewTimer(httpRequestsResponseTime)
	defer timer.ObserveDuration()

	var h http.Handler = http.HandlerFunc(l.serveImage)
	if l.Timeout > 0 {
		h = http.TimeoutHandler(h, l.Timeout, "Gateway timeout")
	}
	h.ServeHTTP(w, r)
}

func (l *Loader) serveImage(w http.ResponseWriter, r *http.Request) {
	req, err := NewRequest(r, l.DefaultBaseURL)
	if err != nil {
		msg := fmt.Sprintf("invalid request URL: %v", err)
		glog.Error(msg)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	if err := l.allowed(req); err != nil {
		glog.Error(err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	if l.Verbose {
		glog.Infof("request: %v", req)
	}

	locator := req.URL.String()

	// a cached decode can be served without touching the remote at all
	if img, ok := l.Images.Get(locator, req.Options); ok {
		out, err := encodeRendition(img, req.Options)
		if err != nil {
			glog.Errorf("error encoding cached image %v: %v", req, err)
			http.Error(w, "error encoding image", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		w.Header().Set("Content-Type", http.DetectContentType(out))
		w.Write(out)
		return
	}

	b, resp, err := l.fetch(r.Context(), locator)
	if err != nil {
		remoteImageFetchErrors.Inc()
		msg := fmt.Sprintf("error fetching remote image: %v", err)
		glog.Error(msg)
		status := http.StatusInternalServerError
		if resp != nil && resp.StatusCode != http.StatusOK {
			status = resp.StatusCode
		}
		http.Error(w, msg, status)
		return
	}

	out, err := l.rendition(r.Context(), b, locator, req.Options)
	if err != nil {
		glog.Errorf("error transforming image %v: %v", req, err)
		out = b
	}

	copyHeader(w.Header(), resp.Header, "Cache-Control", "Last-Modified", "Expires", "Etag")

	if check304(r, resp) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("Content-Type", http.DetectContentType(out))
	w.Write(out)
}

// allowed determines whether the specified request is allowed to be served.
// A request is allowed if it carries a valid signature, or if it passes the
// configured host, and referrer checks.
func (l *Loader) allowed(r *Request) error {
	if hostMatches(l.DenyHosts, r.URL) {
		return fmt.Errorf("request for denied host: %v", r.URL.Host)
	}

	if len(l.SignatureKeys) > 0 {
		if validSignature(l.SignatureKeys, r) {
			return nil
		}
		return fmt.Errorf("invalid signature for request: %v", r)
	}

	if len(l.Referrers) > 0 && !referrerMatches(l.Referrers, r.Original) {
		return fmt.Errorf("request does not contain an allowed referrer: %v", r)
	}

	if len(l.AllowHosts) > 0 && !hostMatches(l.AllowHosts, r.URL) {
		return fmt.Errorf("request for non-allowed host: %v", r.URL.Host)
	}

	return nil
}

// hostMatches returns whether the host of u matches one of hosts.  Hosts may
// include a leading wildcard ("*.example.com") to match all subdomains.
func hostMatches(hosts []string, u *url.URL) bool {
	for _, host := range hosts {
		if u.Host == host {
			return true
		}
		if strings.HasPrefix(host, "*.") && strings.HasSuffix(u.Host, host[1:]) {
			return true
		}
	}
	return false
}

func referrerMatches(hosts []string, r *http.Request) bool {
	if r == nil {
		return false
	}
	u, err := url.Parse(r.Header.Get("Referer"))
	if err != nil {
		return false
	}
	return hostMatches(hosts, u)
}

// validSignature returns whether any of keys signs the request, covering
// either the remote URL alone or the URL together with its options.
func validSignature(keys [][]byte, r *Request) bool {
	sig := r.Options.Signature
	if m := len(sig) % 4; m != 0 { // allow padding to be omitted
		sig += strings.Repeat("=", 4-m)
	}
	got, err := base64.URLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	// the signature never covers itself
	u := *r.URL
	opt := r.Options
	opt.Signature = ""

	for _, candidate := range []string{u.String(), (&Request{URL: &u, Options: opt}).String()} {
		for _, key := range keys {
			mac := hmac.New(sha256.New, key)
			mac.Write([]byte(candidate))
			if hmac.Equal(got, mac.Sum(nil)) {
				return true
			}
		}
	}
	return false
}

// contentTypeMatches returns whether contentType matches one of the allowed
// patterns.
func contentTypeMatches(patterns []string, contentType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, contentType); ok && err == nil {
			return true
		}
	}
	return false
}

func copyHeader(dst, src http.Header, keys ...string) {
	for _, key := range keys {
		k := http.CanonicalHeaderKey(key)
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

// check304 checks whether we should send a 304 Not Modified in response to
// req, based on the response resp.  This is determined using the last
// modified time and the entity tag of resp.
func check304(req *http.Request, resp *http.Response) bool {
	etag := resp.Header.Get("Etag")
	if etag != "" && etag == req.Header.Get("If-None-Match") {
		return true
	}

	lastModified, err := time.Parse(time.RFC1123, resp.Header.Get("Last-Modified"))
	if err != nil {
		return false
	}
	ifModSince, err := time.Parse(time.RFC1123, req.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return lastModified.Before(ifModSince)
}
