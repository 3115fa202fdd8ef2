package speaker

import (
	"log/slog"
	"time"
)

// Segment is a contiguous span of one speaker's buffered audio flushed for
// transcription.
type Segment struct {
	SpeakerID   string
	SpeakerName string
	Data        []byte
	FlushedAt   time.Time
}

// SegmenterConfig tunes the flush rules.
type SegmenterConfig struct {
	// SilenceThreshold is how long a speaker's buffer may sit without new
	// audio before it is flushed. Default 500ms.
	SilenceThreshold time.Duration

	// MaxSegmentBytes bounds buffer growth while a speaker keeps talking.
	// Default is 2 seconds of 16-bit mono audio at SampleRate.
	MaxSegmentBytes int

	// SampleRate is used to derive MaxSegmentBytes when it is zero.
	SampleRate int
}

const (
	defaultSilenceThreshold  = 500 * time.Millisecond
	defaultSampleRate        = 16000
	defaultMaxSegmentSeconds = 2
	bytesPerSample           = 2 // 16-bit PCM
)

func (c *SegmenterConfig) applyDefaults() {
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = c.SampleRate * bytesPerSample * defaultMaxSegmentSeconds
	}
}

// Segmenter watches every speaker's buffer and flushes segments to a sink.
// A flush happens when accumulated silence reaches the threshold or the
// buffer reaches the max-duration bound, whichever comes first. Segments
// for one speaker are always emitted in chronological order.
type Segmenter struct {
	tracker *Tracker
	cfg     SegmenterConfig
	sink    func(Segment)
	logger  *slog.Logger
}

// NewSegmenter creates a segmenter over the given tracker. Flushed
// segments are handed to sink in emission order.
func NewSegmenter(tracker *Tracker, cfg SegmenterConfig, sink func(Segment), logger *slog.Logger) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		tracker: tracker,
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
	}
}

// Tick examines every speaker and flushes any buffer that satisfies a
// flush rule. It is called on every inbound message and by a periodic
// timer so silence is detected even when no further audio arrives.
func (s *Segmenter) Tick(now time.Time) {
	segments := s.collect(now)
	for _, seg := range segments {
		s.logger.Debug("Flushed segment",
			slog.String("speaker_id", seg.SpeakerID),
			slog.Int("bytes", len(seg.Data)))
		s.sink(seg)
	}
}

// collect swaps out every flushable buffer under the tracker lock and
// returns the segments in a stable order. The swap is what guarantees a
// speaker's segments never interleave out of order: the buffer holds only
// audio newer than the last flush.
func (s *Segmenter) collect(now time.Time) []Segment {
	t := s.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	var segments []Segment
	for _, sp := range t.speakers {
		if len(sp.buffer) == 0 {
			continue
		}

		silence := now.Sub(sp.lastVoice) >= s.cfg.SilenceThreshold
		full := len(sp.buffer) >= s.cfg.MaxSegmentBytes
		if !silence && !full {
			continue
		}

		data := sp.buffer
		sp.buffer = nil
		if silence {
			sp.speaking = false
		}

		name := sp.name
		if name == "" {
			name = sp.id
		}
		segments = append(segments, Segment{
			SpeakerID:   sp.id,
			SpeakerName: name,
			Data:        data,
			FlushedAt:   now,
		})
	}
	return segments
}
