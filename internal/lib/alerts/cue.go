package alerts

import (
	"context"
	"io"
	"time"
)

// Cue is the audible signal played when a vehicle deviates
type Cue interface {
	Play(ctx context.Context, repetitions int) error
}

// BellCue rings the terminal bell on w
type BellCue struct {
	w   io.Writer
	gap time.Duration
}

// NewBellCue creates a bell cue with gap between rings
func NewBellCue(w io.Writer, gap time.Duration) *BellCue {
	return &BellCue{w: w, gap: gap}
}

// Play implements Cue
func (b *BellCue) Play(ctx context.Context, repetitions int) error {
	for i := 0; i < repetitions; i++ {
		if i > 0 && b.gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.gap):
			}
		}
		if _, err := io.WriteString(b.w, "\a"); err != nil {
			return err
		}
	}
	return nil
}

// NopCue is silent
type NopCue struct{}

// Play implements Cue
func (NopCue) Play(context.Context, int) error { return nil }
