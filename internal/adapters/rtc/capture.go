package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
	opusChannels    = 2
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var ErrCaptureSource = errors.New("capture source unavailable")

// FileCapture plays an Ogg/Opus file in a loop as the local microphone.
// Without a file it sends silence. Samples only leave while live.
type FileCapture struct {
	path string
	id   string

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}

	live atomic.Bool
}

var _ core.Capture = (*FileCapture)(nil)

func NewFileCapture(path, id string) *FileCapture {
	return &FileCapture{path: path, id: id}
}

// Acquire opens the source and returns its track. It returns the same track
// until Close.
func (c *FileCapture) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track != nil {
		return c.track, nil
	}

	if c.path != "" {
		if err := checkOgg(c.path); err != nil {
			return nil, err
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", "radio-"+c.id,
	)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.track, c.cancel, c.done = track, cancel, done
	go func() {
		defer close(done)
		c.pump(pumpCtx, track)
	}()

	log.Info().Str("module", "rtc.capture").Str("source", c.source()).Msg("capture acquired")
	return track, nil
}

func (c *FileCapture) SetLive(live bool) {
	c.live.Store(live)
}

func (c *FileCapture) Live() bool {
	return c.live.Load()
}

// Close stops the pump. Acquire may be called again afterwards.
func (c *FileCapture) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.track, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	c.live.Store(false)
	if cancel != nil {
		cancel()
		<-done
		log.Info().Str("module", "rtc.capture").Msg("capture released")
	}
	return nil
}

func (c *FileCapture) source() string {
	if c.path == "" {
		return "silence"
	}
	return c.path
}

func (c *FileCapture) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	if c.path == "" {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if c.live.Load() {
				c.write(track, media.Sample{Data: opusSilence, Duration: oggPageDuration})
			}
		}
	}

	for ctx.Err() == nil {
		if err := c.playOnce(ctx, ticker, track); err != nil {
			log.Error().Err(err).Str("module", "rtc.capture").Str("source", c.path).Msg("capture stopped")
			return
		}
	}
}

// playOnce streams the file from the start until EOF.
func (c *FileCapture) playOnce(ctx context.Context, ticker *time.Ticker, track *webrtc.TrackLocalStaticSample) error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if !c.live.Load() {
			continue
		}
		duration := time.Duration(samples) * time.Second / opusClockRate
		c.write(track, media.Sample{Data: page, Duration: duration})
	}
}

func (c *FileCapture) write(track *webrtc.TrackLocalStaticSample, sample media.Sample) {
	if err := track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debug().Err(err).Str("module", "rtc.capture").Msg("write sample")
	}
}

func checkOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureSource, err)
	}
	defer f.Close()
	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCaptureSource, path, err)
	}
	return nil
}
