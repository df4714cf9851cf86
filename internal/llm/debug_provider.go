package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// debugPreset defines streaming rate configuration.
type debugPreset struct {
	ChunkSize int
	Delay     time.Duration
}

// presets maps variant names to their streaming configurations.
var presets = map[string]debugPreset{
	"fast":     {ChunkSize: 50, Delay: 5 * time.Millisecond},
	"normal":   {ChunkSize: 20, Delay: 20 * time.Millisecond},
	"slow":     {ChunkSize: 10, Delay: 50 * time.Millisecond},
	"realtime": {ChunkSize: 5, Delay: 30 * time.Millisecond},
	"burst":    {ChunkSize: 200, Delay: 100 * time.Millisecond},
}

const debugReply = `This is the offline debug backend. No request left this machine.

You said:

> %s

The conversation so far has %d message(s). Replies stream at the %q rate so
you can watch the receiving flag, try cancelling midway, or resend this
message to see it rewritten in place.
`

// DebugProvider streams a canned reply without credentials or network access.
type DebugProvider struct {
	variant string
	preset  debugPreset
}

// NewDebugProvider creates a debug provider with the specified variant.
// Valid variants: fast, normal, slow, realtime, burst
// Empty string defaults to "normal".
func NewDebugProvider(variant string) *DebugProvider {
	variant = strings.TrimSpace(variant)
	if variant == "" {
		variant = "normal"
	}
	preset, ok := presets[variant]
	if !ok {
		preset = presets["normal"]
	}
	return &DebugProvider{
		variant: variant,
		preset:  preset,
	}
}

// Name returns the provider name with variant.
func (d *DebugProvider) Name() string {
	if d.variant == "normal" {
		return "debug"
	}
	return "debug:" + d.variant
}

func (d *DebugProvider) ValidateConfig(ctx context.Context) bool {
	return true
}

// Stream echoes the last user message inside a canned reply.
func (d *DebugProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyContext
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := fmt.Sprintf(debugReply, strings.ReplaceAll(last, "\n", "\n> "), len(req.Messages), d.variant)

	return newEventStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		chunkSize := d.preset.ChunkSize
		for len(text) > 0 {
			end := chunkSize
			if end > len(text) {
				end = len(text)
			}
			chunk := text[:end]
			text = text[end:]

			if err := emit(ctx, ch, Event{Type: EventTextDelta, Text: chunk}); err != nil {
				return err
			}
			if len(text) > 0 {
				if err := sleepCtx(ctx, d.preset.Delay); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}

// GetDebugPresets returns a copy of available presets for testing.
func GetDebugPresets() map[string]debugPreset {
	result := make(map[string]debugPreset)
	for k, v := range presets {
		result[k] = v
	}
	return result
}
