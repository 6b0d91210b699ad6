package imaging

import (
	"context"
	"errors"
)

var ErrInvalidStepAction = errors.New("invalid imaging action")

const (
	ActionEnhance   = "enhance"
	ActionDenoise   = "denoise"
	ActionResize    = "resize"
	ActionThumbnail = "thumbnail"
	ActionWatermark = "watermark"
)

// Step is one transformation applied to an encoded image.
type Step struct {
	Action  string
	Width   int
	Format  string
	Quality int
	Text    string
	// Radius is the denoise strength, 1 to MaxDenoiseRadius.
	Radius int
}

const MaxDenoiseRadius = 3

type Transformer interface {
	Transform(ctx context.Context, input []byte, step Step) (data []byte, format string, width, height int, err error)
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "png"
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
