package rtc

import (
	"context"
	"maps"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opusPayloadType = 111
	opusClockRate   = 48000
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = opusClockRate / 1000 * 20
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusClockRate,
	Channels:  2,
}

type outState int32

const (
	outOk outState = iota
	outDelete
)

// outTrack is the copy of a local track sent on one call.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func (o *outTrack) markDelete() { o.state.Store(int32(outDelete)) }
func (o *outTrack) deleted() bool {
	return outState(o.state.Load()) == outDelete
}

// Track is a captured local track fanned out to every call that publishes it.
// Disabling it keeps the calls up but stops sending media.
type Track struct {
	id       string
	streamID string
	kind     core.MediaKind
	enabled  atomic.Bool
	logger   zerolog.Logger

	mu   sync.RWMutex
	outs map[string]*outTrack

	seq  uint16
	ts   uint32
	ssrc uint32
}

func newAudioTrack(streamID string) *Track {
	t := &Track{
		id:       uuid.NewString(),
		streamID: streamID,
		kind:     core.KindAudio,
		outs:     make(map[string]*outTrack),
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
		ssrc:     rand.Uint32(),
	}
	t.enabled.Store(true)
	t.logger = log.With().Str("module", "rtc.track").Str("track", t.id).Logger()
	return t
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() core.MediaKind    { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// attach creates the out track for callID.
func (t *Track) attach(callID string) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(opusCapability, t.id, t.streamID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.outs[callID] = &outTrack{track: track}
	t.mu.Unlock()
	return track, nil
}

func (t *Track) detach(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.outs[callID]; ok {
		o.markDelete()
		delete(t.outs, callID)
	}
}

func (t *Track) outCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.outs)
}

// pace emits one silent frame per frame duration until ctx ends.
func (t *Track) pace(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.markAllDelete()
			return
		case <-ticker.C:
		}
		pkt := t.nextPacket()
		if !t.Enabled() {
			continue
		}
		t.forward(pkt)
	}
}

func (t *Track) nextPacket() *rtp.Packet {
	t.seq++
	t.ts += samplesPerFrame
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           t.ssrc,
		},
		Payload: opusSilence,
	}
}

func (t *Track) forward(pkt *rtp.Packet) {
	t.mu.RLock()
	snapshot := maps.Clone(t.outs)
	t.mu.RUnlock()

	var dirty []string
	for callID, o := range snapshot {
		if o.deleted() {
			dirty = append(dirty, callID)
			continue
		}
		if err := o.track.WriteRTP(pkt); err != nil {
			t.logger.Warn().Err(err).Str("call", callID).Msg("write RTP, dropping out track")
			o.markDelete()
			dirty = append(dirty, callID)
		}
	}
	if len(dirty) == 0 {
		return
	}
	t.mu.Lock()
	for _, callID := range dirty {
		if o, ok := t.outs[callID]; ok && o.deleted() {
			delete(t.outs, callID)
		}
	}
	t.mu.Unlock()
}

func (t *Track) markAllDelete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.outs {
		o.markDelete()
	}
}

// Stream is the local capture. Release stops every track.
type Stream struct {
	id     string
	tracks []*Track
	cancel context.CancelFunc
	once   sync.Once
}

func newSilentStream() *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: uuid.NewString(), cancel: cancel}
	track := newAudioTrack(s.id)
	s.tracks = append(s.tracks, track)
	go track.pace(ctx)
	return s
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Release() {
	s.once.Do(func() {
		s.cancel()
		log.Info().Str("module", "rtc").Str("stream", s.id).Msg("local stream released")
	})
}

// publish attaches every track of s to pc for callID.
func (s *Stream) publish(pc *peerConnection, callID string) error {
	for _, t := range s.tracks {
		track, err := t.attach(callID)
		if err != nil {
			s.unpublish(callID)
			return err
		}
		if err := pc.addTrack(track); err != nil {
			s.unpublish(callID)
			return err
		}
	}
	return nil
}

func (s *Stream) unpublish(callID string) {
	for _, t := range s.tracks {
		t.detach(callID)
	}
}

// remoteStream is a remote track that started delivering media.
type remoteStream struct {
	track *webrtc.TrackRemote
}

func (r remoteStream) ID() string { return r.track.StreamID() }

func (r remoteStream) Kind() core.MediaKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return core.KindVideo
	}
	return core.KindAudio
}
