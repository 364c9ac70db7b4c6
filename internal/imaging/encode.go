package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality は再エンコード時のJPEG品質の既定値です。
const DefaultQuality = 50

// DefaultMaxPixels はデコードを許可する画素数の既定値です（約 89M 画素）。
const DefaultMaxPixels int64 = 89_478_485

var (
	// ErrNotImage は取得したデータが画像でない場合に返されます。
	ErrNotImage = errors.New("payload is not an image")
	// ErrTooManyPixels はヘッダー上の画素数が上限を超える場合に返されます。
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// Reencode は data を画像としてデコードし、RGB に正規化したうえで JPEG に再エンコードします。
// opts.MaxDimension が正の場合、長辺がその値を超える画像は縮小します。
// ヘッダー上の画素数が opts.MaxPixels を超える画像はデコードせずに拒否します。
func Reencode(data []byte, opts Options) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrNotImage)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", mt.String(), err)
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrNotImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d > %d", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mt.String(), err)
	}

	rgb := flatten(src, opts.MaxDimension)

	quality := opts.Quality
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s as jpeg: %w", format, err)
	}
	return buf.Bytes(), nil
}

// flatten はアルファを白背景に合成し、不透明な3チャンネル画像にします。
func flatten(src image.Image, maxDimension int) *image.RGBA {
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxDimension)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Over)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	}
	return dst
}

func fitWithin(w, h, maxDimension int) (int, int) {
	if maxDimension <= 0 || (w <= maxDimension && h <= maxDimension) {
		return w, h
	}
	if w >= h {
		nh := h * maxDimension / w
		if nh < 1 {
			nh = 1
		}
		return maxDimension, nh
	}
	nw := w * maxDimension / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxDimension
}
