package assistant

import (
	"context"
	"log/slog"

	"github.com/kalambet/insightline/internal/speech"
)

// Sender is the outbound messaging channel.
type Sender interface {
	SendText(ctx context.Context, tenantID, to, text string) error
	SendAudio(ctx context.Context, tenantID, to, audioBase64 string) error
}

// Synthesizer converts text to base64 audio; it reports false on failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, bool)
}

// Deliverer sends answers, trying a voice note first when the user asked
// for audio.
type Deliverer struct {
	sender   Sender
	synth    Synthesizer
	maxChars int
	logger   *slog.Logger
}

// NewDeliverer creates a Deliverer. synth may be nil to disable audio.
func NewDeliverer(sender Sender, synth Synthesizer, maxSpeechChars int) *Deliverer {
	return &Deliverer{sender: sender, synth: synth, maxChars: maxSpeechChars, logger: slog.Default()}
}

// Deliver sends text to the recipient and reports whether it went as audio.
// Audio failures fall back to text; only a failed text send is an error.
func (d *Deliverer) Deliver(ctx context.Context, tenantID, to, text string, preferAudio bool) (bool, error) {
	if preferAudio && d.synth != nil {
		if audio, ok := d.synth.Synthesize(ctx, speech.PrepareForSpeech(text, d.maxChars)); ok {
			err := d.sender.SendAudio(ctx, tenantID, to, audio)
			if err == nil {
				return true, nil
			}
			d.logger.Warn("audio delivery failed, falling back to text", "recipient", to, "error", err)
		}
	}
	return false, d.sender.SendText(ctx, tenantID, to, text)
}
