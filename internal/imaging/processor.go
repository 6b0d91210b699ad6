package imaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dunamismax/restoreflow/internal/domain"
)

const DefaultThumbnailWidth = 256

// Artifact is an encoded processing result.
type Artifact struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Ext is the file extension used in storage keys.
func (a Artifact) Ext() string {
	if a.Format == "jpeg" {
		return "jpg"
	}
	return a.Format
}

// Processor runs the in-process restoration, animation and thumbnail work.
type Processor struct {
	transformer Transformer
}

func NewProcessor() (*Processor, error) {
	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return &Processor{transformer: transformer}, nil
}

// Restore applies the restoration steps described by the attempt params:
// enhance always, then optional denoise ("denoise", a radius), resize
// ("width") and watermark ("watermark").
// The output format comes from "format" and defaults to jpeg.
func (p *Processor) Restore(ctx context.Context, input []byte, params domain.Params) (Artifact, error) {
	steps, err := RestoreSteps(params)
	if err != nil {
		return Artifact{}, err
	}
	return p.run(ctx, input, steps)
}

func (p *Processor) Thumbnail(ctx context.Context, input []byte) (Artifact, error) {
	return p.run(ctx, input, []Step{{
		Action:  ActionThumbnail,
		Width:   DefaultThumbnailWidth,
		Format:  "jpeg",
		Quality: 80,
	}})
}

func (p *Processor) run(ctx context.Context, input []byte, steps []Step) (Artifact, error) {
	if len(input) == 0 {
		return Artifact{}, errors.New("input image is empty")
	}

	current := Artifact{Data: input}
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		default:
		}

		data, format, width, height, err := p.transformer.Transform(ctx, current.Data, step)
		if err != nil {
			return Artifact{}, fmt.Errorf("transform stage action=%s: %w", step.Action, err)
		}
		current = Artifact{Data: data, Format: format, Width: width, Height: height}
	}
	return current, nil
}

func RestoreSteps(params domain.Params) ([]Step, error) {
	format := normalizeOutputFormat(strings.ToLower(strings.TrimSpace(params.Get("format"))))
	if params.Get("format") == "" {
		format = "jpeg"
	}
	quality, err := optionalInt(params, "quality")
	if err != nil {
		return nil, err
	}

	steps := []Step{{Action: ActionEnhance, Format: format, Quality: quality}}

	radius, err := optionalInt(params, "denoise")
	if err != nil {
		return nil, err
	}
	if radius > 0 {
		steps = append(steps, Step{Action: ActionDenoise, Radius: min(radius, MaxDenoiseRadius), Format: format, Quality: quality})
	}

	width, err := optionalInt(params, "width")
	if err != nil {
		return nil, err
	}
	if width > 0 {
		steps = append(steps, Step{Action: ActionResize, Width: width, Format: format, Quality: quality})
	}
	if text := strings.TrimSpace(params.Get("watermark")); text != "" {
		steps = append(steps, Step{Action: ActionWatermark, Text: text, Format: format, Quality: quality})
	}
	return steps, nil
}

func optionalInt(params domain.Params, key string) (int, error) {
	raw := strings.TrimSpace(params.Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("params.%s must be a non-negative integer", key)
	}
	return v, nil
}
