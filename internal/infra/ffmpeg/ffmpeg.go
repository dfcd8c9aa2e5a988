// Package ffmpeg cuts preview clips and overlays the audio watermark by
// shelling out to the ffmpeg binary.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"songflow/internal/ports"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Transcoder struct {
	Bin string
}

var _ ports.Transcoder = (*Transcoder)(nil)

func New(bin string) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{Bin: bin}
}

func (t *Transcoder) Trim(ctx context.Context, in, out string, d time.Duration) error {
	return t.run(ctx, trimArgs(in, out, d))
}

func (t *Transcoder) Mix(ctx context.Context, track, overlay, out string, delay time.Duration, gain float64) error {
	return t.run(ctx, mixArgs(track, overlay, out, delay, gain))
}

func trimArgs(in, out string, d time.Duration) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-t", seconds(d),
		"-vn", "-acodec", "libmp3lame", "-b:a", "128k",
		out,
	}
}

// mixArgs delays the overlay, scales it by gain and mixes it under the
// track. The output keeps the track's length.
func mixArgs(track, overlay, out string, delay time.Duration, gain float64) []string {
	ms := strconv.FormatInt(delay.Milliseconds(), 10)
	filter := fmt.Sprintf("[1:a]adelay=%s|%s,volume=%s[wm];[0:a][wm]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[out]",
		ms, ms, strconv.FormatFloat(gain, 'f', -1, 64))
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", track,
		"-i", overlay,
		"-filter_complex", filter,
		"-map", "[out]",
		"-acodec", "libmp3lame", "-b:a", "128k",
		out,
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (t *Transcoder) run(ctx context.Context, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Bin, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", t.Bin, err, strings.TrimSpace(stderr.String()))
	}
	log.Ctx(ctx).Debug().Strs("args", args).Dur("took", time.Since(start)).Msg("ffmpeg finished")
	return nil
}
