package usecase

import (
	"context"
	"fmt"
	"songflow/internal/ports"
	"strings"

	"github.com/rs/zerolog/log"
)

// FallbackEmpathy is returned when the text provider cannot answer.
const FallbackEmpathy = "Thank you so much for sharing this with us. We will put all of that feeling into your song."

// Copywriter writes short conversational replies for sales agents.
type Copywriter struct {
	Text     ports.TextGenerator
	MaxChars int
}

// Empathy returns a short empathetic reply to a lead's story. Provider
// failures never reach the caller; the fallback copy is returned instead.
func (c *Copywriter) Empathy(ctx context.Context, name, story string) string {
	out, err := c.Text.Generate(ctx, ports.TextRequest{
		System:   "You are a warm sales assistant for a custom song studio. Reply in two sentences, empathetic and natural, without emojis.",
		User:     fmt.Sprintf("Customer name: %s\nWhat they told us: %s", name, story),
		MaxChars: c.MaxChars,
	})
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		log.Ctx(ctx).Warn().Err(err).Msg("empathy copy unavailable, using fallback")
		return FallbackEmpathy
	}
	return Truncate(out, c.MaxChars)
}
