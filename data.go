// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// URLError reports a malformed URL error.
type URLError struct {
	Message string
	URL     *url.URL
}

func (e URLError) Error() string {
	return fmt.Sprintf("malformed URL %q: %s", e.URL, e.Message)
}

// Options specifies the target rendition of a requested image: the size it
// will be displayed at, the device pixel ratio of the display, and how the
// image should be fitted to that size.
type Options struct {
	Width  int // requested width, in device-independent pixels
	Height int // requested height, in device-independent pixels

	// Scale is the device pixel ratio of the requesting display.  It
	// participates in cost accounting for cached entries, not in cache key
	// identity.  A zero value is treated as 1.
	Scale float64

	// If true, resize the image to fit in the specified dimensions.  Image
	// will not be cropped, and aspect ratio will be maintained.
	Fit bool

	// If true, use content-aware cropping when both dimensions are given.
	SmartCrop bool

	// Quality of output image, for formats that support it.
	Quality int

	// Format to encode the result as.  Empty means keep the source format.
	Format string

	// Signature is the base64 HMAC of the request, when request signing is
	// in use.
	Signature string
}

var emptyOptions = Options{}

func (o Options) String() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%dx%d", o.Width, o.Height)
	if o.Scale != 0 && o.Scale != 1 {
		fmt.Fprintf(buf, ",dpr%v", o.Scale)
	}
	if o.Fit {
		buf.WriteString(",fit")
	}
	if o.Format != "" {
		fmt.Fprintf(buf, ",%s", o.Format)
	}
	if o.Quality != 0 {
		fmt.Fprintf(buf, ",q%d", o.Quality)
	}
	if o.Signature != "" {
		fmt.Fprintf(buf, ",s%s", o.Signature)
	}
	if o.SmartCrop {
		buf.WriteString(",sc")
	}
	return buf.String()
}

// ParseOptions parses str as a list of comma separated transformation
// options.  Unrecognized options are silently ignored.
func ParseOptions(str string) Options {
	var o Options

	for _, part := range strings.Split(str, ",") {
		switch {
		case part == "fit":
			o.Fit = true
		case part == "sc":
			o.SmartCrop = true
		case isFormat(part):
			o.Format = part
		case len(part) > 3 && part[:3] == "dpr":
			o.Scale, _ = strconv.ParseFloat(part[3:], 64)
		case len(part) > 1 && part[:1] == "q":
			o.Quality, _ = strconv.Atoi(part[1:])
		case len(part) > 1 && part[:1] == "s":
			o.Signature = part[1:]
		case strings.ContainsRune(part, 'x'):
			size := strings.SplitN(part, "x", 2)
			if w := size[0]; w != "" {
				o.Width, _ = strconv.Atoi(w)
			}
			if h := size[1]; h != "" {
				o.Height, _ = strconv.Atoi(h)
			}
		default:
			if size, err := strconv.Atoi(part); err == nil {
				o.Width = size
				o.Height = size
			}
		}
	}

	return o
}

func isFormat(v string) bool {
	switch v {
	case "jpeg", "png", "gif", "bmp", "tiff":
		return true
	}
	return false
}

// Request is an image request: the remote image to load and the rendition
// options to apply to it.
type Request struct {
	URL     *url.URL // URL of the remote image
	Options Options  // rendition options to apply

	// Original is the request received by the HTTP handler, when the
	// image request came in over HTTP.
	Original *http.Request
}

// String returns the request URL as a string, with the options encoded in
// the URL fragment.  This value uniquely identifies the request rendition
// and is the value covered by request signatures.
func (r Request) String() string {
	u := *r.URL
	u.Fragment = r.Options.String()
	return u.String()
}

// NewRequest parses an http.Request into an image request.  Relative remote
// URLs are resolved in reference to baseURL, if non-nil.
func NewRequest(r *http.Request, baseURL *url.URL) (*Request, error) {
	var err error
	req := &Request{Original: r}

	path := r.URL.EscapedPath()[1:] // strip leading slash
	req.URL, err = url.Parse(path)
	if err != nil || !req.URL.IsAbs() {
		// first segment should be options
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			return nil, URLError{"too few path segments", r.URL}
		}

		req.URL, err = url.Parse(parts[1])
		if err != nil {
			return nil, URLError{fmt.Sprintf("unable to parse remote URL: %v", err), r.URL}
		}

		req.Options = ParseOptions(parts[0])
	}

	if baseURL != nil {
		req.URL = baseURL.ResolveReference(req.URL)
	}

	if !req.URL.IsAbs() {
		return nil, URLError{"must provide absolute remote URL", r.URL}
	}

	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, URLError{"remote URL must have http or https scheme", r.URL}
	}

	// query string is always part of the remote URL
	req.URL.RawQuery = r.URL.RawQuery
	return req, nil
}
