// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"willnorris.com/go/gifresize"

	_ "golang.org/x/image/webp" // register webp decoding
)

// default compression quality of resized jpegs
const defaultQuality = 95

// Transform the provided image.  img should contain the raw bytes of an
// encoded image in one of the supported formats (gif, jpeg, png, webp, bmp,
// or tiff).  The bytes of a similarly encoded image is returned.
func Transform(img []byte, opt Options) ([]byte, error) {
	if opt == emptyOptions {
		// bail if no transformation was requested
		return img, nil
	}

	timer := prometheus.NewTimer(imageTransformationSummary)
	defer timer.ObserveDuration()

	m, format, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, err
	}

	// animated gifs are transformed frame-wise so animation survives
	if format == "gif" && (opt.Format == "" || opt.Format == "gif") {
		fn := func(m image.Image) image.Image {
			return transformImage(m, opt)
		}
		buf := new(bytes.Buffer)
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if format == "jpeg" {
		m = orientImage(m, exifOrientation(bytes.NewReader(img)))
	}
	m = transformImage(m, opt)

	if opt.Format != "" {
		format = opt.Format
	}
	return encodeImage(m, format, opt.Quality)
}

func encodeImage(m image.Image, format string, quality int) ([]byte, error) {
	if quality == 0 {
		quality = defaultQuality
	}

	buf := new(bytes.Buffer)
	var err error
	switch format {
	case "png":
		err = png.Encode(buf, m)
	case "bmp":
		err = bmp.Encode(buf, m)
	case "tiff":
		err = tiff.Encode(buf, m, nil)
	default:
		err = jpeg.Encode(buf, m, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transformImage modifies the image m based on the transformations specified
// in opt.
func transformImage(m image.Image, opt Options) image.Image {
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()

	w, h := opt.Width, opt.Height
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}

	// never resize larger than the original image
	if w > imgW {
		w = imgW
	}
	if h > imgH {
		h = imgH
	}

	if w == 0 && h == 0 {
		return m
	}

	switch {
	case opt.SmartCrop && w != 0 && h != 0:
		if rect, err := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer()).FindBestCrop(m, w, h); err == nil {
			m = imaging.Crop(m, rect)
		}
		m = imaging.Thumbnail(m, w, h, imaging.Lanczos)
	case opt.Fit:
		m = imaging.Fit(m, w, h, imaging.Lanczos)
	case w == 0 || h == 0:
		m = imaging.Resize(m, w, h, imaging.Lanczos)
	default:
		m = imaging.Thumbnail(m, w, h, imaging.Lanczos)
	}

	return m
}

// exifOrientation reads the EXIF orientation tag from r, returning 0 if the
// tag is missing or unreadable.
func exifOrientation(r io.Reader) int {
	ex, err := exif.Decode(r)
	if err != nil {
		return 0
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	orient, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return orient
}

// orientImage applies the transformation described by the EXIF orientation
// value orient (2 through 8) to m.
func orientImage(m image.Image, orient int) image.Image {
	switch orient {
	case 2:
		return imaging.FlipH(m)
	case 3:
		return imaging.Rotate180(m)
	case 4:
		return imaging.FlipV(m)
	case 5:
		return imaging.Transpose(m)
	case 6:
		return imaging.Rotate270(m)
	case 7:
		return imaging.Transverse(m)
	case 8:
		return imaging.Rotate90(m)
	}
	return m
}
