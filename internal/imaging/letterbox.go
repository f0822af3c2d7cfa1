// Package imaging fits uploaded thumbnails onto a fixed JPEG canvas.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// ErrTooLarge is returned for images whose declared size exceeds MaxPixels.
var ErrTooLarge = errors.New("imaging: image too large")

type Options struct {
	Width   int
	Height  int
	Quality int
	// MaxPixels caps the declared width×height accepted for decoding.
	MaxPixels int
}

func DefaultOptions() Options {
	return Options{Width: 1280, Height: 720, Quality: 95, MaxPixels: 32_000_000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = d.MaxPixels
	}
	return o
}

// Letterbox decodes src (JPEG, PNG or GIF), flattens transparency onto
// white, shrinks it to fit the canvas keeping the aspect ratio, centres it
// on a black canvas and encodes the result as JPEG. Images already smaller
// than the canvas are centred without upscaling.
func Letterbox(src []byte, opt Options) ([]byte, error) {
	opt = opt.withDefaults()
	if len(src) == 0 {
		return nil, errors.New("imaging: empty input")
	}
	// Decoders size their buffers from the header, so check it first.
	hdr, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, errors.New("imaging: zero-sized image")
	}
	if int64(hdr.Width)*int64(hdr.Height) > int64(opt.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, hdr.Width, hdr.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("imaging: zero-sized image")
	}

	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	imagedraw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, imagedraw.Src)
	imagedraw.Draw(flat, flat.Bounds(), img, b.Min, imagedraw.Over)

	w, h := Fit(b.Dx(), b.Dy(), opt.Width, opt.Height)
	canvas := image.NewRGBA(image.Rect(0, 0, opt.Width, opt.Height))
	imagedraw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, imagedraw.Src)

	x := (opt.Width - w) / 2
	y := (opt.Height - h) / 2
	dst := image.Rect(x, y, x+w, y+h)
	if w == b.Dx() && h == b.Dy() {
		imagedraw.Draw(canvas, dst, flat, image.Point{}, imagedraw.Src)
	} else {
		xdraw.CatmullRom.Scale(canvas, dst, flat, flat.Bounds(), xdraw.Src, nil)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: opt.Quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode: %w", err)
	}
	return out.Bytes(), nil
}

// Fit returns the size of a w×h image shrunk to fit inside maxW×maxH with
// its aspect ratio kept. Smaller images keep their size.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		return maxW, max(1, nh)
	}
	nw := w * maxH / h
	return max(1, nw), maxH
}
