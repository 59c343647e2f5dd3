package playback

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
)

// maxFetchBytes bounds a single synthesized clip
const maxFetchBytes = 32 << 20

// BufferStrategy fetches the whole unit, decodes it and plays it through
// the call's output context
type BufferStrategy struct {
	Client      *http.Client
	Sink        audio.Sink
	InboundRate int // rate of headerless PCM
	Retry       RetryConfig
}

// NewBufferStrategy creates the primary playback path
func NewBufferStrategy(sink audio.Sink, inboundRate int) *BufferStrategy {
	return &BufferStrategy{
		Client:      &http.Client{Timeout: 15 * time.Second},
		Sink:        sink,
		InboundRate: inboundRate,
		Retry:       DefaultRetryConfig(),
	}
}

func (b *BufferStrategy) Name() string { return "buffer" }

func (b *BufferStrategy) Play(ctx context.Context, ref Ref, volume float64) error {
	data, contentType := ref.Audio, ""
	if ref.URL != "" {
		var err error
		data, contentType, err = b.fetch(ctx, ref.URL)
		if err != nil {
			return err
		}
	}

	clip, err := b.decode(data, contentType)
	if err != nil {
		return err
	}

	clip = clip.Mono()
	clip = audio.Clip{
		Samples:    audio.Resample(clip.Samples, clip.SampleRate, b.Sink.SampleRate()),
		SampleRate: b.Sink.SampleRate(),
		Channels:   1,
	}

	if err := b.Sink.Play(ctx, clip, volume); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPlaybackStart, err)
	}
	return nil
}

func (b *BufferStrategy) fetch(ctx context.Context, url string) ([]byte, string, error) {
	var data []byte
	var contentType string

	err := withRetry(ctx, b.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return permanentError{fmt.Errorf("failed to build request: %w", err)}
		}
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")

		resp, err := b.Client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch audio: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
			if retryableStatus(resp.StatusCode) {
				return err
			}
			return permanentError{err}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return fmt.Errorf("failed to read audio body: %w", err)
		}
		data = body
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	return data, contentType, err
}

// decode accepts WAV or headerless 16-bit PCM. Anything else is left to
// the fallback path.
func (b *BufferStrategy) decode(data []byte, contentType string) (audio.Clip, error) {
	if len(data) == 0 {
		return audio.Clip{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	if audio.IsWAV(data) {
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return clip, nil
	}

	mediaType := ""
	if contentType != "" {
		mediaType, _, _ = mime.ParseMediaType(contentType)
	}
	switch mediaType {
	case "", "audio/l16", "audio/pcm", "application/octet-stream":
	default:
		return audio.Clip{}, fmt.Errorf("%w: unsupported content type %q", ErrDecode, contentType)
	}

	if len(data)%2 != 0 {
		return audio.Clip{}, fmt.Errorf("%w: odd-length pcm payload", ErrDecode)
	}
	return audio.Clip{
		Samples:    audio.BytesToSamples(data),
		SampleRate: b.InboundRate,
		Channels:   1,
	}, nil
}
