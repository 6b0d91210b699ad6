package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, step Step) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	src, srcFormat, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w", err)
	}

	var out image.Image
	switch strings.ToLower(strings.TrimSpace(step.Action)) {
	case ActionEnhance:
		out = autoLevels(src)
	case ActionDenoise:
		out, err = boxBlur(src, step.Radius)
	case ActionResize:
		out, err = resizeToWidth(src, step.Width)
	case ActionThumbnail:
		out, err = resizeToWidth(src, min(step.Width, src.Bounds().Dx()))
	case ActionWatermark:
		out, err = watermarkText(src, step.Text)
	default:
		return nil, "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}
	if err != nil {
		return nil, "", 0, 0, err
	}

	format := normalizeOutputFormat(strings.ToLower(strings.TrimSpace(step.Format)))
	if strings.TrimSpace(step.Format) == "" {
		format = normalizeOutputFormat(strings.ToLower(srcFormat))
	}

	output, err := encodeImage(out, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := out.Bounds()
	return output, format, bounds.Dx(), bounds.Dy(), nil
}

// autoLevels stretches each channel so the 1st and 99th luminance
// percentiles map to black and white.
func autoLevels(src image.Image) image.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)

	var histogram [256]int
	total := 0
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		r, g, b := int(dst.Pix[i]), int(dst.Pix[i+1]), int(dst.Pix[i+2])
		histogram[(299*r+587*g+114*b)/1000]++
		total++
	}
	if total == 0 {
		return dst
	}

	low, high := percentile(histogram, total, 0.01), percentile(histogram, total, 0.99)
	if high-low < 8 {
		return dst
	}

	var lut [256]uint8
	scale := 255.0 / float64(high-low)
	for v := range lut {
		lut[v] = uint8(clamp(int(math.Round(float64(v-low)*scale)), 0, 255))
	}
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		dst.Pix[i] = lut[dst.Pix[i]]
		dst.Pix[i+1] = lut[dst.Pix[i+1]]
		dst.Pix[i+2] = lut[dst.Pix[i+2]]
	}
	return dst
}

// boxBlur averages each pixel with its neighbours within radius, one axis at
// a time. It smooths film grain and scan noise at the cost of fine detail.
func boxBlur(src image.Image, radius int) (image.Image, error) {
	if radius < 1 || radius > MaxDenoiseRadius {
		return nil, fmt.Errorf("denoise radius must be between 1 and %d", MaxDenoiseRadius)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	in := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(in, in.Bounds(), src, bounds.Min, draw.Src)

	tmp := image.NewRGBA(in.Bounds())
	blurPass(in, tmp, radius, 1, 0)
	out := image.NewRGBA(in.Bounds())
	blurPass(tmp, out, radius, 0, 1)
	return out, nil
}

func blurPass(src, dst *image.RGBA, radius, dx, dy int) {
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var sum [4]int
			n := 0
			for k := -radius; k <= radius; k++ {
				sx, sy := x+k*dx, y+k*dy
				if sx < b.Min.X || sx >= b.Max.X || sy < b.Min.Y || sy >= b.Max.Y {
					continue
				}
				i := src.PixOffset(sx, sy)
				for c := 0; c < 4; c++ {
					sum[c] += int(src.Pix[i+c])
				}
				n++
			}
			o := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				dst.Pix[o+c] = uint8(sum[c] / n)
			}
		}
	}
}

func percentile(histogram [256]int, total int, fraction float64) int {
	target := int(math.Ceil(float64(total) * fraction))
	seen := 0
	for v, count := range histogram {
		seen += count
		if seen >= target {
			return v
		}
	}
	return 255
}

func resizeToWidth(src image.Image, width int) (image.Image, error) {
	if width <= 0 {
		return nil, errors.New("resize action requires width > 0")
	}

	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	if width == srcW {
		return cloneImage(src), nil
	}

	scale := float64(width) / float64(srcW)
	height := int(math.Round(float64(srcH) * scale))
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, srcBounds, xdraw.Src, nil)
	return dst, nil
}

func watermarkText(src image.Image, text string) (image.Image, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("watermark action requires text")
	}

	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	face := basicfont.Face7x13
	metrics := face.Metrics()
	drawer := &font.Drawer{
		Dst:  dst,
		Face: face,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 166}),
	}
	width := drawer.MeasureString(text).Ceil()

	const pad = 12
	bounds := dst.Bounds()
	x := clamp(bounds.Max.X-width-pad, bounds.Min.X, bounds.Max.X)
	y := clamp(bounds.Max.Y-pad, bounds.Min.Y+metrics.Ascent.Ceil(), bounds.Max.Y)
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)

	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "webp":
		return nil, errors.New("webp export requires govips build tag")
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}

func cloneImage(src image.Image) image.Image {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
