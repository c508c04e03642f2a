// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

// pngServer returns a test server that serves a uniform 8x8 png and counts
// the requests it receives.
func pngServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, image.NewNRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}

	var hits int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(s.Close)
	return s, &hits
}

func TestNewLoader_Defaults(t *testing.T) {
	l := NewLoader(nil, nil)
	if l.Client == nil {
		t.Error("NewLoader returned nil Client")
	}
	if l.Images == nil {
		t.Error("NewLoader returned nil Images cache")
	}
}

func TestLoader_Load(t *testing.T) {
	s, hits := pngServer(t)
	l := NewLoader(nil, nil)
	opt := Options{Width: 4, Height: 4}

	m, err := l.Load(context.Background(), s.URL+"/avatar.png", opt)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if got, want := m.Bounds().Dx(), 4; got != want {
		t.Errorf("Load returned image of width %v, want %v", got, want)
	}

	// second load for the same rendition is served from cache
	if _, err := l.Load(context.Background(), s.URL+"/avatar.png", opt); err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if got, want := atomic.LoadInt32(hits), int32(1); got != want {
		t.Errorf("remote server received %v requests, want %v", got, want)
	}

	// a different target size is a different entry and fetches again
	if _, err := l.Load(context.Background(), s.URL+"/avatar.png", Options{Width: 2, Height: 2}); err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if got, want := atomic.LoadInt32(hits), int32(2); got != want {
		t.Errorf("remote server received %v requests, want %v", got, want)
	}
}

func TestLoader_LoadInvalidation(t *testing.T) {
	s, hits := pngServer(t)
	l := NewLoader(nil, nil)
	opt := Options{Width: 4, Height: 4}

	if _, err := l.Load(context.Background(), s.URL+"/avatar.png", opt); err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	// the photo was replaced; the next load refetches
	l.Images.Remove(s.URL + "/avatar.png")
	if _, err := l.Load(context.Background(), s.URL+"/avatar.png", opt); err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if got, want := atomic.LoadInt32(hits), int32(2); got != want {
		t.Errorf("remote server received %v requests, want %v", got, want)
	}
}

func TestLoader_LoadCancelled(t *testing.T) {
	s, _ := pngServer(t)
	l := NewLoader(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Load(ctx, s.URL+"/avatar.png", Options{}); err == nil {
		t.Error("Load with cancelled context did not return error")
	}
	if got, want := l.Images.Len(), 0; got != want {
		t.Errorf("cancelled Load populated the cache: Len = %v, want %v", got, want)
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	l := NewLoader(nil, nil)

	// remote returns 404
	s404 := httptest.NewServer(http.NotFoundHandler())
	defer s404.Close()
	if _, err := l.Load(context.Background(), s404.URL+"/a.png", Options{}); err == nil {
		t.Error("Load of missing remote image did not return error")
	}

	// remote returns a disallowed content type
	sText := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer sText.Close()
	if _, err := l.Load(context.Background(), sText.URL+"/a.png", Options{}); err == nil {
		t.Error("Load of non-image content type did not return error")
	}

	if got, want := l.Images.Len(), 0; got != want {
		t.Errorf("failed loads populated the cache: Len = %v, want %v", got, want)
	}
}

func TestLoader_ServeHTTP(t *testing.T) {
	s, _ := pngServer(t)
	l := NewLoader(nil, nil)

	req := httptest.NewRequest("GET", "http://localhost/4x4/"+s.URL+"/avatar.png", nil)
	w := httptest.NewRecorder()
	l.ServeHTTP(w, req)

	if got, want := w.Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP returned status %v, want %v", got, want)
	}
	m, format, err := image.Decode(w.Body)
	if err != nil {
		t.Fatalf("error decoding response body: %v", err)
	}
	if got, want := format, "png"; got != want {
		t.Errorf("response image format = %v, want %v", got, want)
	}
	if got, want := m.Bounds().Dx(), 4; got != want {
		t.Errorf("response image width = %v, want %v", got, want)
	}
}

func TestLoader_ServeHTTP_CachedRendition(t *testing.T) {
	s, hits := pngServer(t)
	l := NewLoader(nil, nil)

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "http://localhost/4x4/"+s.URL+"/avatar.png", nil)
		w := httptest.NewRecorder()
		l.ServeHTTP(w, req)
		return w
	}

	// first request decodes the remote image and caches the rendition
	if got, want := serve().Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP returned status %v, want %v", got, want)
	}
	if got, want := l.Images.Len(), 1; got != want {
		t.Fatalf("decoded image cache Len = %v, want %v", got, want)
	}

	// an identical request is served from the decoded image cache without
	// contacting the remote again
	w := serve()
	if got, want := w.Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP returned status %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(hits), int32(1); got != want {
		t.Errorf("remote server received %v requests, want %v", got, want)
	}

	m, _, err := image.Decode(w.Body)
	if err != nil {
		t.Fatalf("error decoding response body: %v", err)
	}
	if got, want := m.Bounds().Dx(), 4; got != want {
		t.Errorf("response image width = %v, want %v", got, want)
	}

	// flushing the cache forces the next request back to the remote
	l.Images.Flush()
	if got, want := serve().Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP returned status %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(hits), int32(2); got != want {
		t.Errorf("remote server received %v requests, want %v", got, want)
	}
}

func TestLoader_ServeHTTP_Errors(t *testing.T) {
	l := NewLoader(nil, nil)
	l.AllowHosts = []string{"good.example.com"}

	tests := []struct {
		path string
		code int
	}{
		{"/favicon.ico", http.StatusOK},
		{"/", http.StatusBadRequest},
		{"/http://bad.example.com/a.png", http.StatusForbidden},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "http://localhost"+tt.path, nil)
		w := httptest.NewRecorder()
		l.ServeHTTP(w, req)
		if got, want := w.Code, tt.code; got != want {
			t.Errorf("ServeHTTP(%q) returned status %v, want %v", tt.path, got, want)
		}
	}
}

func TestLoader_Healthz(t *testing.T) {
	l := NewLoader(nil, nil)
	req := httptest.NewRequest("GET", "http://localhost/healthz", nil)
	w := httptest.NewRecorder()
	l.ServeHTTP(w, req)

	if got, want := w.Code, http.StatusOK; got != want {
		t.Errorf("ServeHTTP(/healthz) returned status %v, want %v", got, want)
	}
	if got, want := w.Body.String(), "OK"; got != want {
		t.Errorf("ServeHTTP(/healthz) returned body %q, want %q", got, want)
	}
}

func TestHostMatches(t *testing.T) {
	hosts := []string{"a.test", "*.b.test"}

	tests := []struct {
		url   string
		match bool
	}{
		{"http://a.test/image", true},
		{"http://sub.a.test/image", false},
		{"http://b.test/image", false},
		{"http://sub.b.test/image", true},
		{"http://deep.sub.b.test/image", true},
		{"http://c.test/image", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatalf("error parsing url %q: %v", tt.url, err)
		}
		if got, want := hostMatches(hosts, u), tt.match; got != want {
			t.Errorf("hostMatches(%q) returned %v, want %v", tt.url, got, want)
		}
	}
}

func TestContentTypeMatches(t *testing.T) {
	tests := []struct {
		patterns    []string
		contentType string
		match       bool
	}{
		{nil, "text/html", true},
		{[]string{"image/*"}, "image/png", true},
		{[]string{"image/*"}, "text/html", false},
		{[]string{"image/png", "image/jpeg"}, "image/jpeg", true},
		{[]string{"image/png"}, "image/jpeg", false},
	}

	for _, tt := range tests {
		if got, want := contentTypeMatches(tt.patterns, tt.contentType), tt.match; got != want {
			t.Errorf("contentTypeMatches(%v, %q) returned %v, want %v", tt.patterns, tt.contentType, got, want)
		}
	}
}

func TestLoader_Allowed(t *testing.T) {
	allowHosts := []string{"good.test"}
	key := []byte("c0ffee")

	genRequest := func(headers map[string]string) *http.Request {
		req := &http.Request{Header: make(http.Header)}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		return req
	}

	tests := []struct {
		url        string
		options    Options
		allowHosts []string
		denyHosts  []string
		referrers  []string
		keys       [][]byte
		request    *http.Request
		allowed    bool
	}{
		// no rules, all requests accepted
		{"http://test/image", emptyOptions, nil, nil, nil, nil, nil, true},

		// allow hosts
		{"http://good.test/image", emptyOptions, allowHosts, nil, nil, nil, nil, true},
		{"http://bad.test/image", emptyOptions, allowHosts, nil, nil, nil, nil, false},

		// deny hosts
		{"http://bad.test/image", emptyOptions, nil, []string{"bad.test"}, nil, nil, nil, false},
		{"http://good.test/image", emptyOptions, nil, []string{"bad.test"}, nil, nil, nil, true},

		// referrer
		{"http://test/image", emptyOptions, nil, nil, []string{"good.test"}, nil, genRequest(map[string]string{"Referer": "http://good.test/foo"}), true},
		{"http://test/image", emptyOptions, nil, nil, []string{"good.test"}, nil, genRequest(map[string]string{"Referer": "http://bad.test/foo"}), false},
		{"http://test/image", emptyOptions, nil, nil, []string{"good.test"}, nil, nil, false},

		// signature key
		{"http://test/image", Options{Signature: "NDx5zZHx7QfE8E-ijowRreq6CJJBZjwiRfOVk_mkfQQ="}, nil, nil, nil, [][]byte{key}, nil, true},
		{"http://test/image", Options{Signature: "deadbeef"}, nil, nil, nil, [][]byte{key}, nil, false},
		{"http://test/image", emptyOptions, nil, nil, nil, [][]byte{key}, nil, false},
	}

	for _, tt := range tests {
		l := &Loader{
			AllowHosts:    tt.allowHosts,
			DenyHosts:     tt.denyHosts,
			Referrers:     tt.referrers,
			SignatureKeys: tt.keys,
		}

		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatalf("error parsing url %q: %v", tt.url, err)
		}
		req := &Request{URL: u, Options: tt.options, Original: tt.request}
		if got, want := l.allowed(req) == nil, tt.allowed; got != want {
			t.Errorf("allowed(%v) returned %v, want %v", req, got, want)
		}
	}
}

func TestValidSignature(t *testing.T) {
	key := []byte("c0ffee")
	u, _ := url.Parse("http://test/image")

	tests := []struct {
		options Options
		valid   bool
	}{
		// signature over the URL alone
		{Options{Signature: "NDx5zZHx7QfE8E-ijowRreq6CJJBZjwiRfOVk_mkfQQ="}, true},
		// same signature with padding omitted
		{Options{Signature: "NDx5zZHx7QfE8E-ijowRreq6CJJBZjwiRfOVk_mkfQQ"}, true},
		// signature does not cover itself
		{Options{Width: 100, Height: 100, Signature: "QjJuuU0HZSSBvwjN5v9FG08pNLJZGMxInIUu-NOFXgk="}, true},
		{Options{Signature: "deadbeef"}, false},
		{emptyOptions, false},
	}

	for _, tt := range tests {
		req := &Request{URL: u, Options: tt.options}
		if got, want := validSignature([][]byte{key}, req), tt.valid; got != want {
			t.Errorf("validSignature(%v) returned %v, want %v", tt.options, got, want)
		}
	}
}
