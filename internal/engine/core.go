package engine

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate   = beep.SampleRate(44100)
	SpeakerBufferSize   = time.Millisecond * 250
	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
	DefaultVolume       = 70

	// clickGuardFade is the minimal fade applied when crossfade is off,
	// to avoid an audible click at track start.
	clickGuardFade = 50 * time.Millisecond

	diagnosticsInterval = 2 * time.Second
	breakerThreshold    = 3
	breakerCooldown     = 30 * time.Second
)

// percentToExponent maps a 0-100 volume percent onto beep's exponential
// volume scale.
func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}
	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}

// newStreamClient builds the HTTP client both engines fetch audio with.
func newStreamClient() *http.Client {
	return &http.Client{
		Timeout: 0, // per-request contexts bound fetches
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
		},
	}
}

// playbackCore is the speaker-side machinery shared by the concrete
// engines: state, volume, transport controls, fade envelope, diagnostics,
// and the failure breaker. Engines feed it decoded streams; it owns
// everything from the decoder down.
type playbackCore struct {
	mu          sync.Mutex
	state       State
	speakerInit bool
	format      beep.Format

	streamer beep.StreamSeekCloser
	volume   *effects.Volume
	ctrl     *beep.Ctrl

	volumePercent int
	trackID       string
	trackMeta     TrackMeta

	crossfadeOn   bool
	crossfadeMode CrossfadeMode
	crossfadeDur  time.Duration

	cb   Callbacks
	cbMu sync.RWMutex

	breaker      *breaker
	sessionStart time.Time
	streamFormat string

	diagStop chan struct{}
	diagOnce sync.Once

	destroyed bool
}

func newPlaybackCore(clock Clock) *playbackCore {
	c := &playbackCore{
		state:         StateIdle,
		volumePercent: -1,
		breaker:       newBreaker(breakerThreshold, breakerCooldown, clock),
		diagStop:      make(chan struct{}),
		format: beep.Format{
			SampleRate:  DefaultSampleRate,
			NumChannels: 2,
			Precision:   2,
		},
	}
	go c.diagnosticsLoop()
	return c
}

func (c *playbackCore) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *playbackCore) setStateLocked(s State) {
	if c.state != s {
		log.Debug().Msgf("Engine state: %s -> %s", c.state, s)
		c.state = s
	}
}

func (c *playbackCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *playbackCore) SetCallbacks(cb Callbacks) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb = cb
}

func (c *playbackCore) callbacks() Callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

func (c *playbackCore) initSpeaker(sampleRate beep.SampleRate) error {
	if !c.speakerInit || sampleRate != c.format.SampleRate {
		if err := speaker.Init(sampleRate, sampleRate.N(SpeakerBufferSize)); err != nil {
			return fmt.Errorf("failed to initialize speaker: %w", err)
		}
		c.format.SampleRate = sampleRate
		c.speakerInit = true
		log.Debug().Msgf("Speaker initialized at %d Hz", sampleRate)
	}
	return nil
}

// install decodes and mounts a new stream, leaving the engine paused and
// ready: audible playback needs an explicit Play.
func (c *playbackCore) install(trackID string, meta TrackMeta, rc io.ReadCloser, streamFormat string) error {
	streamer, format, err := mp3.Decode(rc)
	if err != nil {
		rc.Close()
		return fmt.Errorf("failed to decode stream: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initSpeaker(format.SampleRate); err != nil {
		streamer.Close()
		return err
	}

	speaker.Clear()
	if c.streamer != nil {
		c.streamer.Close()
	}

	volumePercent := c.volumePercent
	if volumePercent < 0 {
		volumePercent = DefaultVolume
	}

	fade := clickGuardFade
	if c.crossfadeOn && c.crossfadeDur > 0 {
		fade = c.crossfadeDur
	}
	fadeSamples := format.SampleRate.N(fade)

	var tailSamples int
	if c.crossfadeOn && c.crossfadeMode == CrossfadeFull {
		tailSamples = fadeSamples
	}

	envelope := &fadeStreamer{
		s:           streamer,
		fadeIn:      fadeSamples,
		fadeInTotal: fadeSamples,
		tail:        tailSamples,
		total:       streamer.Len(),
	}

	c.volume = &effects.Volume{
		Streamer: envelope,
		Base:     2,
		Volume:   percentToExponent(float64(volumePercent)),
		Silent:   volumePercent == 0,
	}
	c.ctrl = &beep.Ctrl{Streamer: c.volume, Paused: true}

	c.streamer = streamer
	c.trackID = trackID
	c.trackMeta = meta
	c.format = format
	c.streamFormat = streamFormat
	c.volumePercent = volumePercent

	ended := beep.Seq(c.ctrl, beep.Callback(func() {
		go c.handleTrackEnd(trackID)
	}))
	speaker.Play(ended)

	c.setStateLocked(StatePaused)
	c.breaker.recordSuccess()

	if cb := c.callbacks(); cb.OnTrackLoad != nil {
		go cb.OnTrackLoad(trackID)
	}
	return nil
}

func (c *playbackCore) handleTrackEnd(trackID string) {
	c.mu.Lock()
	// A newer load may already own the speaker; only the current track's
	// end is reported.
	stale := c.trackID != trackID
	if !stale {
		c.setStateLocked(StateStopped)
	}
	c.mu.Unlock()

	if stale {
		return
	}
	log.Debug().Str("track", trackID).Msg("Track ended")
	if cb := c.callbacks(); cb.OnTrackEnd != nil {
		cb.OnTrackEnd(trackID)
	}
}

func (c *playbackCore) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil || c.state == StateError {
		return
	}
	speaker.Lock()
	c.ctrl.Paused = false
	speaker.Unlock()
	if c.sessionStart.IsZero() {
		c.sessionStart = time.Now()
	}
	c.setStateLocked(StatePlaying)
}

func (c *playbackCore) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil || c.state != StatePlaying {
		return
	}
	speaker.Lock()
	c.ctrl.Paused = true
	speaker.Unlock()
	c.setStateLocked(StatePaused)
}

func (c *playbackCore) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *playbackCore) stopLocked() {
	speaker.Clear()
	if c.streamer != nil {
		c.streamer.Close()
		c.streamer = nil
	}
	c.ctrl = nil
	c.volume = nil
	c.trackID = ""
	c.sessionStart = time.Time{}
	c.setStateLocked(StateStopped)
}

func (c *playbackCore) Seek(t time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamer == nil {
		return fmt.Errorf("nothing loaded")
	}
	n := c.format.SampleRate.N(t)
	if n < 0 {
		n = 0
	}
	if max := c.streamer.Len(); max > 0 && n > max {
		n = max
	}
	speaker.Lock()
	err := c.streamer.Seek(n)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	return nil
}

func (c *playbackCore) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumePercent = percent
	if c.volume == nil {
		return
	}
	speaker.Lock()
	c.volume.Volume = percentToExponent(float64(percent))
	c.volume.Silent = percent == 0
	speaker.Unlock()
}

func (c *playbackCore) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.volumePercent < 0 {
		return DefaultVolume
	}
	return c.volumePercent
}

func (c *playbackCore) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := c.streamer.Position()
	speaker.Unlock()
	return c.format.SampleRate.D(pos)
}

func (c *playbackCore) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamer == nil {
		if c.trackMeta.Duration > 0 {
			return time.Duration(c.trackMeta.Duration * float64(time.Second))
		}
		return 0
	}
	speaker.Lock()
	n := c.streamer.Len()
	speaker.Unlock()
	if n <= 0 && c.trackMeta.Duration > 0 {
		return time.Duration(c.trackMeta.Duration * float64(time.Second))
	}
	return c.format.SampleRate.D(n)
}

func (c *playbackCore) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePlaying
}

func (c *playbackCore) SetCrossfade(enabled bool, mode CrossfadeMode, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crossfadeOn = enabled
	c.crossfadeMode = mode
	c.crossfadeDur = d
}

func (c *playbackCore) Sources() []SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamer == nil {
		return nil
	}

	speaker.Lock()
	pos := c.streamer.Position()
	length := c.streamer.Len()
	speaker.Unlock()

	percent := c.volumePercent
	if percent < 0 {
		percent = DefaultVolume
	}
	return []SourceState{{
		TrackID:     c.trackID,
		CurrentTime: float64(c.format.SampleRate.D(pos)) / float64(time.Second),
		Duration:    float64(c.format.SampleRate.D(length)) / float64(time.Second),
		Buffered:    true,
		Volume:      float64(percent) / 100.0,
		Muted:       percent == 0,
	}}
}

func (c *playbackCore) reportError(trackID string, err error) *LoadError {
	c.breaker.recordFailure()
	le := classify(trackID, err)
	c.setState(StateError)
	if cb := c.callbacks(); cb.OnError != nil {
		go cb.OnError(le, le.Category, le.Retry)
	}
	return le
}

func (c *playbackCore) diagnosticsLoop() {
	ticker := time.NewTicker(diagnosticsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.diagStop:
			return
		case <-ticker.C:
			cb := c.callbacks()
			if cb.OnDiagnostics == nil {
				continue
			}
			cb.OnDiagnostics(c.diagnostics())
		}
	}
}

func (c *playbackCore) diagnostics() Diagnostics {
	state, failures := c.breaker.snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	var session time.Duration
	if !c.sessionStart.IsZero() {
		session = time.Since(c.sessionStart)
	}
	health := 0
	if c.streamer != nil {
		health = 100 // sources are fully buffered before ready
	}
	return Diagnostics{
		BufferHealth:      health,
		RetryableFailures: failures,
		BreakerState:      state,
		SessionDuration:   session,
		StreamFormat:      c.streamFormat,
		StreamSampleRate:  int(c.format.SampleRate),
	}
}

func (c *playbackCore) Destroy() {
	c.diagOnce.Do(func() { close(c.diagStop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.stopLocked()
	c.setStateLocked(StateIdle)
}

// loadedTrackID returns the id currently mounted, for idempotent-load
// guards.
func (c *playbackCore) loadedTrackID() (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackID, c.state
}

// fadeStreamer applies the fade-in (and, for full crossfade, fade-out)
// envelope around the decoded stream.
type fadeStreamer struct {
	s           beep.StreamSeekCloser
	fadeIn      int
	fadeInTotal int
	tail        int // samples of fade-out at the end; 0 disables
	total       int
}

func (f *fadeStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = f.s.Stream(samples)
	if n == 0 {
		return n, ok
	}

	if f.fadeIn > 0 {
		for i := 0; i < n && f.fadeIn > 0; i++ {
			pos := f.fadeInTotal - f.fadeIn
			scale := float64(pos) / float64(f.fadeInTotal)
			samples[i][0] *= scale
			samples[i][1] *= scale
			f.fadeIn--
		}
	}

	if f.tail > 0 && f.total > 0 {
		base := f.s.Position() - n
		for i := 0; i < n; i++ {
			remaining := f.total - (base + i)
			if remaining < f.tail {
				scale := float64(remaining) / float64(f.tail)
				if scale < 0 {
					scale = 0
				}
				samples[i][0] *= scale
				samples[i][1] *= scale
			}
		}
	}
	return n, ok
}

func (f *fadeStreamer) Err() error {
	return f.s.Err()
}

// readSeekCloser adapts an in-memory buffer to the decoder's interface.
type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }
