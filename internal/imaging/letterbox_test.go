package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img
}

func isDark(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 < 24 && g>>8 < 24 && b>>8 < 24
}

func isBright(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 > 230 && g>>8 > 230 && b>>8 > 230
}

func TestLetterboxWideImage(t *testing.T) {
	t.Parallel()

	src := encodePNG(t, solid(4000, 2000, color.White))
	out, err := Letterbox(src, DefaultOptions())
	require.NoError(t, err)

	img := decodeJPEG(t, out)
	require.Equal(t, image.Rect(0, 0, 1280, 720), img.Bounds())

	// 4000x2000 scales to 1280x640, leaving 40px bars top and bottom.
	assert.True(t, isDark(img.At(640, 10)), "top bar")
	assert.True(t, isDark(img.At(640, 710)), "bottom bar")
	assert.True(t, isBright(img.At(640, 360)), "centre")
	assert.True(t, isBright(img.At(5, 360)), "image spans full width")
}

func TestLetterboxTallImage(t *testing.T) {
	t.Parallel()

	src := encodePNG(t, solid(1000, 2000, color.White))
	out, err := Letterbox(src, DefaultOptions())
	require.NoError(t, err)

	img := decodeJPEG(t, out)
	require.Equal(t, image.Rect(0, 0, 1280, 720), img.Bounds())
	// 1000x2000 scales to 360x720, centred at x=460..820.
	assert.True(t, isDark(img.At(100, 360)))
	assert.True(t, isDark(img.At(1180, 360)))
	assert.True(t, isBright(img.At(640, 360)))
}

func TestLetterboxFlattensTransparencyOnWhite(t *testing.T) {
	t.Parallel()

	src := encodePNG(t, solid(200, 100, color.NRGBA{R: 0, G: 0, B: 0, A: 0}))
	out, err := Letterbox(src, DefaultOptions())
	require.NoError(t, err)

	img := decodeJPEG(t, out)
	assert.True(t, isBright(img.At(640, 360)), "transparent pixels become white")
	assert.True(t, isDark(img.At(10, 10)), "canvas stays black")
}

func TestLetterboxRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Letterbox([]byte("not an image"), DefaultOptions())
	assert.Error(t, err)
	_, err = Letterbox(nil, DefaultOptions())
	assert.Error(t, err)
}

func TestLetterboxRejectsOversizedHeader(t *testing.T) {
	t.Parallel()

	// A tiny PNG whose IHDR claims 50000x50000 pixels.
	src := encodePNG(t, solid(2, 2, color.White))
	binary.BigEndian.PutUint32(src[16:20], 50000)
	binary.BigEndian.PutUint32(src[20:24], 50000)
	binary.BigEndian.PutUint32(src[29:33], crc32.ChecksumIEEE(src[12:29]))

	_, err := Letterbox(src, DefaultOptions())
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = Letterbox(encodePNG(t, solid(20, 20, color.White)), Options{MaxPixels: 100})
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestLetterboxCustomCanvas(t *testing.T) {
	t.Parallel()

	out, err := Letterbox(encodePNG(t, solid(300, 300, color.White)), Options{Width: 200, Height: 100, Quality: 80})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), decodeJPEG(t, out).Bounds())
}

func TestFit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		w, h, mw, mh int
		ww, wh       int
	}{
		{4000, 2000, 1280, 720, 1280, 640},
		{1000, 2000, 1280, 720, 360, 720},
		{1920, 1080, 1280, 720, 1280, 720},
		{640, 360, 1280, 720, 640, 360},
		{5000, 1, 1280, 720, 1280, 1},
	}
	for _, tc := range cases {
		w, h := Fit(tc.w, tc.h, tc.mw, tc.mh)
		assert.Equal(t, [2]int{tc.ww, tc.wh}, [2]int{w, h}, "Fit(%d,%d)", tc.w, tc.h)
	}
}
