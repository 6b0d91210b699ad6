package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"

	"github.com/dunamismax/restoreflow/internal/domain"
	xdraw "golang.org/x/image/draw"
)

const (
	defaultAnimationFrames = 12
	defaultAnimationWidth  = 480
	maxAnimationFrames     = 48
)

// Animate renders a slow zoom into the center of the image as a looping GIF.
// Params: "frames" (default 12, max 48) and "width" (default 480).
func (p *Processor) Animate(ctx context.Context, input []byte, params domain.Params) (Artifact, error) {
	frames, err := optionalInt(params, "frames")
	if err != nil {
		return Artifact{}, err
	}
	if frames == 0 {
		frames = defaultAnimationFrames
	}
	if frames > maxAnimationFrames {
		frames = maxAnimationFrames
	}
	width, err := optionalInt(params, "width")
	if err != nil {
		return Artifact{}, err
	}
	if width == 0 {
		width = defaultAnimationWidth
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return Artifact{}, fmt.Errorf("decode source image: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Artifact{}, fmt.Errorf("source image has invalid dimensions")
	}
	width = min(width, bounds.Dx())
	height := max(1, bounds.Dy()*width/bounds.Dx())

	anim := &gif.GIF{LoopCount: 0}
	for i := 0; i < frames; i++ {
		select {
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		default:
		}

		crop := zoomRect(bounds, float64(i)/float64(frames)*0.15)
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), src, crop, xdraw.Src, nil)

		frame := image.NewPaletted(scaled.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(frame, frame.Bounds(), scaled, image.Point{})
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 8)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return Artifact{}, fmt.Errorf("encode gif: %w", err)
	}
	return Artifact{Data: buf.Bytes(), Format: "gif", Width: width, Height: height}, nil
}

// zoomRect shrinks bounds around its center by the given fraction.
func zoomRect(bounds image.Rectangle, fraction float64) image.Rectangle {
	dx := int(float64(bounds.Dx()) * fraction / 2)
	dy := int(float64(bounds.Dy()) * fraction / 2)
	return image.Rect(bounds.Min.X+dx, bounds.Min.Y+dy, bounds.Max.X-dx, bounds.Max.Y-dy)
}
