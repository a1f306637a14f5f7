package rtc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Recorder drains a remote track. With a writer it stores Opus payloads to an
// Ogg file, otherwise packets are discarded.
type Recorder struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	w      rtpWriter
	closed bool
}

var _ core.AudioSink = (*Recorder)(nil)

// NewSinkFactory returns sinks recording into dir, or discarding sinks when
// dir is empty.
func NewSinkFactory(dir string) core.SinkFactory {
	return func(peer domain.ParticipantID, callsign string) (core.AudioSink, error) {
		logger := log.With().Str("module", "rtc.recorder").Str("peer", string(peer)).Logger()
		if dir == "" {
			return &Recorder{logger: logger}, nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, recordingName(peer, callsign, time.Now()))
		w, err := oggwriter.New(path, opusClockRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("open recording: %w", err)
		}
		return &Recorder{path: path, w: w, logger: logger.With().Str("file", path).Logger()}, nil
	}
}

func recordingName(peer domain.ParticipantID, callsign string, at time.Time) string {
	safe := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '_'
	}, callsign)
	id := string(peer)
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s.ogg", safe, id, at.UTC().Format("20060102T150405"))
}

// Play reads track until ctx ends or the track closes.
func (r *Recorder) Play(ctx context.Context, track *webrtc.TrackRemote) {
	if mime := track.Codec().MimeType; !strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		r.logger.Warn().Str("codec", mime).Msg("not opus, discarding")
		r.Close()
	} else if r.path != "" {
		r.logger.Info().Msg("recording started")
	}
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.logger.Debug().Err(err).Msg("track ended")
			return
		}
		if err := r.write(pkt); err != nil {
			r.logger.Error().Err(err).Msg("write RTP error, stopping")
			return
		}
	}
}

func (r *Recorder) write(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	return r.w.WriteRTP(pkt)
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	w := r.w
	r.w = nil
	if w == nil {
		return nil
	}
	r.logger.Info().Msg("recording closed")
	return w.Close()
}
