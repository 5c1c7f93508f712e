// Package session is the top-level playback coordinator. It owns the
// active channel, energy tier, playlist buffer, and play intent, and
// wires the slot engine, audio engine, loading machine, and analytics
// sink together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/analytics"
	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/config"
	"github.com/driftfm/driftfm/internal/engine"
	"github.com/driftfm/driftfm/internal/loading"
	"github.com/driftfm/driftfm/internal/slot"
	"github.com/driftfm/driftfm/internal/track"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// bufferTarget is how many tracks the playlist buffer holds ahead.
	bufferTarget = 5
	// replenishThreshold triggers a background extension when fewer
	// unplayed tracks remain.
	replenishThreshold = 2

	// maxLoadRetries and retryBackoffStep implement the linear backoff
	// for transient load failures: 3s, 6s, 9s. Load failures are often
	// network blips, not permanently bad tracks, so immediate
	// skip-to-next is the wrong default.
	maxLoadRetries   = 3
	retryBackoffStep = 3 * time.Second

	historyLimit = 100

	selectTimeout = 15 * time.Second
)

// ErrNoActiveChannel is returned by operations that need playback.
var ErrNoActiveChannel = errors.New("session: no active channel")

// active is the state of one (channel, tier) playback run. Replaced
// wholesale on channel or tier change; the generation id fences stale
// background work.
type active struct {
	ch         *channel.Channel
	tier       channel.EnergyTier
	cfg        channel.TierConfig
	generation uint64
	// reqID is the loading request that initiated this run. Completion
	// signals carry it so the loading machine can reject signals from a
	// superseded run.
	reqID string

	buffer       []*track.Track
	currentIndex int
	// basePosition is the absolute slot-cycle position of buffer[0].
	basePosition int
	history      []string
}

// Snapshot is the read-only view exposed to UI and test consumers.
type Snapshot struct {
	ChannelID    string
	ChannelName  string
	Tier         channel.EnergyTier
	Playing      bool
	CurrentTrack *track.Track
	BufferLen    int
	CurrentIndex int
	Position     int
	Volume       int
	Loading      loading.Snapshot
}

// Controller orchestrates playback for one listener.
type Controller struct {
	mu sync.Mutex

	store  catalog.Store
	slots  *slot.Engine
	seq    *slot.Sequencer
	loader *loading.Machine
	sink   analytics.Sink
	prefs  *config.Config

	// engMu guards eng alone so Sources can be served without mu,
	// which the loading machine holds its own lock around.
	engMu sync.RWMutex
	eng   engine.AudioEngine

	userID    string
	sessionID string

	sess       *active // nil when no channel is on
	generation uint64
	loadingNow bool // serializes engine loads

	// restarted tracks which (channel,tier) pairs already restarted
	// this login, for the restart_on_login policy.
	restarted map[string]bool

	retryCount int
}

// New creates a controller. The loader should poll eng via its source
// provider; sink may be a NopSink.
func New(store catalog.Store, slots *slot.Engine, seq *slot.Sequencer, eng engine.AudioEngine, loader *loading.Machine, sink analytics.Sink, prefs *config.Config) *Controller {
	c := &Controller{
		store:     store,
		slots:     slots,
		seq:       seq,
		eng:       eng,
		loader:    loader,
		sink:      sink,
		prefs:     prefs,
		userID:    prefs.UserID,
		sessionID: uuid.NewString(),
		restarted: make(map[string]bool),
	}
	c.bindEngine(eng)
	return c
}

func (c *Controller) engine() engine.AudioEngine {
	c.engMu.RLock()
	defer c.engMu.RUnlock()
	return c.eng
}

// Sources implements loading.SourceProvider against the current engine,
// so audibility polling keeps working across an engine swap.
func (c *Controller) Sources() []engine.SourceState {
	return c.engine().Sources()
}

func (c *Controller) bindEngine(eng engine.AudioEngine) {
	eng.SetCallbacks(engine.Callbacks{
		OnTrackEnd: c.handleTrackEnd,
		OnError:    c.handleEngineError,
		OnDiagnostics: func(d engine.Diagnostics) {
			log.Debug().Str("breaker", d.BreakerState).Int("bufferHealth", d.BufferHealth).
				Msg("Engine diagnostics")
		},
	})
}

// ToggleChannel turns a channel on or off. Turning on starts the loading
// request before any asynchronous work so the UI responds instantly.
func (c *Controller) ToggleChannel(ctx context.Context, channelID string, on bool) error {
	if !on {
		return c.stop(ctx)
	}

	tier := channel.EnergyTier(c.prefs.TierFor(channelID))
	if !tier.Valid() {
		tier = channel.EnergyMedium
	}

	reqID := c.loader.Start(loading.TriggerChannelSwitch, channelID, string(tier), "")
	return c.activate(ctx, reqID, channelID, tier)
}

// SetEnergy switches the active channel to another tier. Current audio
// keeps playing until the replacement track is ready; there must be no
// audible gap while the switch is in flight.
func (c *Controller) SetEnergy(ctx context.Context, tier channel.EnergyTier) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoActiveChannel
	}
	channelID := c.sess.ch.ID
	oldTier := c.sess.tier
	c.mu.Unlock()

	if !tier.Valid() {
		return fmt.Errorf("invalid energy tier %q", tier)
	}
	if tier == oldTier {
		return nil
	}

	reqID := c.loader.Start(loading.TriggerEnergyChange, channelID, string(tier), "")

	c.slots.Invalidate(channelID, oldTier)
	c.prefs.SetTier(channelID, string(tier))
	go c.savePrefs()

	return c.activate(ctx, reqID, channelID, tier)
}

// activate builds a fresh playback run: resolves the strategy, computes
// the start position per the continuation policy, fetches exactly one
// track in the critical path, and schedules the rest of the buffer fill
// in the background fenced by a generation id.
func (c *Controller) activate(ctx context.Context, reqID, channelID string, tier channel.EnergyTier) error {
	ch, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		c.loader.Fail(reqID, loading.ReasonPlaybackError)
		return fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	cfg := ch.TierConfig(tier)

	if cfg.Strategy == channel.StrategySlot {
		if _, err := c.slots.Strategy(ctx, channelID, tier); err != nil {
			// Configuration error: the pair is non-functional for slot
			// playback. Surface "no track available" through the
			// loading machine's timeout rather than crashing.
			log.Warn().Err(err).Str("channel", channelID).Str("tier", string(tier)).
				Msg("Channel tier has no usable strategy")
			return nil
		}
	}

	position, history, err := c.startPosition(ctx, ch, tier, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read playback state, starting from 0")
		position = 0
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.sess = &active{
		ch:           ch,
		tier:         tier,
		cfg:          cfg,
		generation:   gen,
		reqID:        reqID,
		basePosition: position,
		history:      history,
	}
	c.retryCount = 0
	c.mu.Unlock()

	c.prefs.SetLastChannel(channelID)
	go c.savePrefs()

	// One synchronous selection unblocks first audio as fast as
	// possible; the rest of the buffer fills behind it.
	first, err := c.selectOne(ctx, ch.ID, tier, cfg, position, history)
	if err != nil {
		if errors.Is(err, slot.ErrNoCandidates) || errors.Is(err, slot.ErrNoStrategy) {
			log.Warn().Err(err).Str("channel", channelID).Msg("No track available")
			return nil
		}
		c.loader.Fail(reqID, loading.ReasonPlaybackError)
		return err
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return nil
	}
	c.sess.buffer = []*track.Track{first}
	c.sess.currentIndex = 0
	c.mu.Unlock()

	go c.extendBuffer(gen, bufferTarget-1)

	return c.playCurrent(ctx, gen)
}

// startPosition applies the continuation policy.
func (c *Controller) startPosition(ctx context.Context, ch *channel.Channel, tier channel.EnergyTier, cfg channel.TierConfig) (int, []string, error) {
	key := ch.ID + ":" + string(tier)

	switch cfg.Continuation {
	case channel.RestartOnLogin:
		c.mu.Lock()
		first := !c.restarted[key]
		c.restarted[key] = true
		c.mu.Unlock()
		if first {
			return 0, nil, nil
		}
		// Within the same login, fall through to the stored position.

	case channel.RestartOnSession:
		// A fresh session wipes the stored position.
		if err := c.store.DeleteState(ctx, c.userID, ch.ID, tier); err != nil {
			log.Debug().Err(err).Msg("Failed to reset playback state")
		}
		return 0, nil, nil
	}

	st, err := c.store.GetState(ctx, c.userID, ch.ID, tier)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	var history []string
	if st.LastTrackID != "" {
		history = []string{st.LastTrackID}
	}
	return st.Position, history, nil
}

func (c *Controller) selectOne(ctx context.Context, channelID string, tier channel.EnergyTier, cfg channel.TierConfig, position int, history []string) (*track.Track, error) {
	sel, err := c.seq.Select(ctx, cfg.Strategy, channelID, tier, position, history)
	if err != nil {
		return nil, err
	}
	t, err := c.store.GetTrack(ctx, sel.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected track %s: %w", sel.TrackID, err)
	}
	return t, nil
}

// extendBuffer selects n more tracks from the buffer's logical end and
// appends them, batching the track lookups into one fetch. Work fenced
// by gen is discarded when a newer generation has begun.
func (c *Controller) extendBuffer(gen uint64, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
	defer cancel()

	c.mu.Lock()
	if c.sess == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}
	channelID := c.sess.ch.ID
	tier := c.sess.tier
	cfg := c.sess.cfg
	position := c.sess.basePosition + len(c.sess.buffer)
	history := append([]string(nil), c.sess.history...)
	for _, t := range c.sess.buffer {
		history = append(history, t.ID)
	}
	c.mu.Unlock()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sel, err := c.seq.Select(ctx, cfg.Strategy, channelID, tier, position+i, history)
		if err != nil {
			if !errors.Is(err, slot.ErrNoCandidates) {
				log.Warn().Err(err).Msg("Buffer extension selection failed")
			}
			break
		}
		ids = append(ids, sel.TrackID)
		history = append(history, sel.TrackID)
	}
	if len(ids) == 0 {
		return
	}

	// One batched lookup for all selections; per-track round trips do
	// not survive catalog growth.
	tracks, err := c.store.GetTracks(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("Buffer extension fetch failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.generation != gen {
		log.Debug().Uint64("generation", gen).Msg("Discarding stale buffer extension")
		return
	}
	c.sess.buffer = append(c.sess.buffer, tracks...)
	log.Debug().Int("added", len(tracks)).Int("buffer", len(c.sess.buffer)).
		Msg("Playlist buffer extended")
}

// playCurrent loads and plays the buffer's current track. Loads are
// serialized: a second call while one is in flight returns immediately.
func (c *Controller) playCurrent(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.sess == nil || c.generation != gen || c.loadingNow {
		c.mu.Unlock()
		return nil
	}
	if c.sess.currentIndex >= len(c.sess.buffer) {
		c.mu.Unlock()
		return nil
	}
	c.loadingNow = true
	t := c.sess.buffer[c.sess.currentIndex]
	position := c.sess.basePosition + c.sess.currentIndex
	channelID := c.sess.ch.ID
	tier := c.sess.tier
	reqID := c.sess.reqID
	c.mu.Unlock()

	err := c.engine().LoadTrack(ctx, t.ID, t.StoragePath, engine.TrackMeta{
		Title:    t.Title,
		Artist:   t.Artist,
		Duration: t.Duration,
	})

	c.mu.Lock()
	c.loadingNow = false
	stale := c.sess == nil || c.generation != gen
	c.mu.Unlock()
	if stale {
		return nil
	}

	if err != nil {
		return c.handleLoadFailure(gen, t, err)
	}

	c.engine().Play()

	// Event-based completion fallback; the loader's own poll is the
	// other detection path, and completion is idempotent. The id was
	// captured when this run started: a load racing a newer request
	// must not complete that request off its own audio.
	c.loader.Complete(reqID)

	c.mu.Lock()
	c.retryCount = 0
	c.sess.history = append(c.sess.history, t.ID)
	if len(c.sess.history) > historyLimit {
		c.sess.history = c.sess.history[len(c.sess.history)-historyLimit:]
	}
	sessID := c.sessionID
	c.mu.Unlock()

	c.sink.Record(analytics.Event{
		Kind:      analytics.EventPlayStart,
		TrackID:   t.ID,
		ChannelID: channelID,
		Tier:      string(tier),
		SessionID: sessID,
	})

	go c.persistState(channelID, tier, position, t.ID)
	c.prefetchNext()
	c.maybeReplenish(gen)

	return nil
}

// handleLoadFailure applies the retry policy: up to maxLoadRetries with
// linearly increasing backoff for retryable failures, then skip.
func (c *Controller) handleLoadFailure(gen uint64, t *track.Track, err error) error {
	var le *engine.LoadError
	retryable := true
	if errors.As(err, &le) {
		retryable = le.Retry
	}

	c.mu.Lock()
	c.retryCount++
	attempt := c.retryCount
	c.mu.Unlock()

	if !retryable || attempt > maxLoadRetries {
		log.Warn().Err(err).Str("track", t.ID).Int("attempts", attempt).
			Msg("Giving up on track, skipping")
		c.mu.Lock()
		c.retryCount = 0
		c.mu.Unlock()
		c.advance(gen)
		return nil
	}

	backoff := time.Duration(attempt) * retryBackoffStep
	log.Warn().Err(err).Str("track", t.ID).Int("attempt", attempt).
		Dur("backoff", backoff).Msg("Track load failed, retrying")

	time.AfterFunc(backoff, func() {
		c.mu.Lock()
		stale := c.sess == nil || c.generation != gen
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
		defer cancel()
		if err := c.playCurrent(ctx, gen); err != nil {
			log.Warn().Err(err).Msg("Retry failed")
		}
	})
	return nil
}

// handleTrackEnd advances through the buffer, wrapping at the end. A
// single-track playlist forces a reload of the same track: the index
// does not change, so nothing else would re-trigger playback.
func (c *Controller) handleTrackEnd(trackID string) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	gen := c.sess.generation
	channelID := c.sess.ch.ID
	tier := c.sess.tier
	sessID := c.sessionID
	c.mu.Unlock()

	c.sink.Record(analytics.Event{
		Kind:      analytics.EventPlayEnd,
		TrackID:   trackID,
		ChannelID: channelID,
		Tier:      string(tier),
		SessionID: sessID,
		Position:  c.engine().CurrentTime().Seconds(),
	})

	c.advance(gen)
}

// advance moves the cursor and starts the next load, wrapping at the
// buffer's end.
func (c *Controller) advance(gen uint64) {
	c.mu.Lock()
	if c.sess == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}

	forceReload := false
	switch {
	case len(c.sess.buffer) == 0:
		c.mu.Unlock()
		return
	case len(c.sess.buffer) == 1:
		// Single-track radio: loop it.
		forceReload = true
	case c.sess.currentIndex+1 < len(c.sess.buffer):
		c.sess.currentIndex++
	default:
		c.sess.currentIndex = 0
		c.sess.basePosition += len(c.sess.buffer)
	}
	c.mu.Unlock()

	if forceReload {
		// The engine's idempotent-load guard keys on the mounted track
		// while paused or playing; after track end it is stopped, so
		// the reload goes through.
		c.engine().Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
	defer cancel()
	if err := c.playCurrent(ctx, gen); err != nil {
		log.Warn().Err(err).Msg("Failed to start next track")
	}
	c.maybeReplenish(gen)
}

// maybeReplenish extends the buffer when fewer than replenishThreshold
// unplayed tracks remain.
func (c *Controller) maybeReplenish(gen uint64) {
	c.mu.Lock()
	if c.sess == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}
	unplayed := len(c.sess.buffer) - c.sess.currentIndex - 1
	c.mu.Unlock()

	if unplayed < replenishThreshold {
		go c.extendBuffer(gen, bufferTarget-unplayed)
	}
}

// prefetchNext eagerly asks the engine to prepare the next buffered
// track so the following transition has no fetch gap.
func (c *Controller) prefetchNext() {
	c.mu.Lock()
	var next *track.Track
	if c.sess != nil && c.sess.currentIndex+1 < len(c.sess.buffer) {
		next = c.sess.buffer[c.sess.currentIndex+1]
	}
	c.mu.Unlock()

	if next != nil {
		c.engine().PrefetchNext(next.ID, next.StoragePath)
	}
}

// handleEngineError reacts to asynchronous engine failures. Terminal
// errors skip to the next track; retryable ones re-enter the retry
// policy for the current track.
func (c *Controller) handleEngineError(err error, category engine.ErrorCategory, canRetry bool) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	gen := c.sess.generation
	var current *track.Track
	if c.sess.currentIndex < len(c.sess.buffer) {
		current = c.sess.buffer[c.sess.currentIndex]
	}
	loadingNow := c.loadingNow
	c.mu.Unlock()

	log.Warn().Err(err).Str("category", string(category)).Bool("canRetry", canRetry).
		Msg("Engine reported error")

	// The synchronous load path already funnels its failure through
	// handleLoadFailure; only act on errors arriving outside a load.
	if loadingNow || current == nil {
		return
	}
	if !canRetry {
		c.advance(gen)
		return
	}
	if err := c.handleLoadFailure(gen, current, err); err != nil {
		log.Warn().Err(err).Msg("Retry scheduling failed")
	}
}

// Skip advances to the next track at the listener's request.
func (c *Controller) Skip() {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	gen := c.sess.generation
	var current string
	if c.sess.currentIndex < len(c.sess.buffer) {
		current = c.sess.buffer[c.sess.currentIndex].ID
	}
	channelID := c.sess.ch.ID
	tier := c.sess.tier
	c.mu.Unlock()

	if current != "" {
		c.sink.Record(analytics.Event{
			Kind:      analytics.EventPlayEnd,
			TrackID:   current,
			ChannelID: channelID,
			Tier:      string(tier),
			SessionID: c.sessionID,
			Position:  c.engine().CurrentTime().Seconds(),
			Skipped:   true,
		})
	}
	c.engine().Stop()
	c.advance(gen)
}

// RecordTTFA ships a time-to-first-audio measurement. Wired as the
// loading machine's OnPlaying hook.
func (c *Controller) RecordTTFA(req loading.Request, ttfa time.Duration) {
	c.sink.Record(analytics.Event{
		Kind:      analytics.EventTTFA,
		TrackID:   req.TrackID,
		ChannelID: req.ChannelID,
		Tier:      req.Tier,
		SessionID: c.sessionID,
		Trigger:   string(req.Trigger),
		TTFAMs:    ttfa.Milliseconds(),
	})
}

// Pause pauses output without tearing down the session.
func (c *Controller) Pause() { c.engine().Pause() }

// Resume resumes paused output.
func (c *Controller) Resume() { c.engine().Play() }

// Seek moves within the current track.
func (c *Controller) Seek(t time.Duration) error { return c.engine().Seek(t) }

// SetVolume sets output volume percent.
func (c *Controller) SetVolume(percent int) {
	c.engine().SetVolume(config.ClampVolume(percent))
	c.prefs.SetVolume(percent)
	go c.savePrefs()
}

// Volume returns output volume percent.
func (c *Controller) Volume() int { return c.engine().Volume() }

// DismissError clears a stuck loading error at the user's request.
func (c *Controller) DismissError() { c.loader.Dismiss() }

// SwapEngine replaces the audio engine implementation (A/B testing).
// The old engine is destroyed; playback restarts on the next operation.
func (c *Controller) SwapEngine(next engine.AudioEngine) {
	c.engMu.Lock()
	old := c.eng
	c.eng = next
	c.engMu.Unlock()

	old.Destroy()
	c.bindEngine(next)
	log.Info().Msg("Audio engine swapped")
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Playing: c.engine().IsPlaying(),
		Volume:  c.engine().Volume(),
		Loading: c.loader.Snapshot(),
	}
	if c.sess != nil {
		snap.ChannelID = c.sess.ch.ID
		snap.ChannelName = c.sess.ch.Name
		snap.Tier = c.sess.tier
		snap.BufferLen = len(c.sess.buffer)
		snap.CurrentIndex = c.sess.currentIndex
		snap.Position = c.sess.basePosition + c.sess.currentIndex
		if c.sess.currentIndex < len(c.sess.buffer) {
			snap.CurrentTrack = c.sess.buffer[c.sess.currentIndex]
		}
	}
	return snap
}

// stop tears down the active session, persisting final state.
func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	c.engine().Stop()

	position := sess.basePosition + sess.currentIndex
	var lastID string
	if sess.currentIndex < len(sess.buffer) {
		lastID = sess.buffer[sess.currentIndex].ID
	}
	if sess.cfg.Continuation != channel.RestartOnSession {
		c.persistStateCtx(ctx, sess.ch.ID, sess.tier, position, lastID)
	}

	log.Debug().Str("channel", sess.ch.ID).Int("position", position).Msg("Session stopped")
	return nil
}

func (c *Controller) persistState(channelID string, tier channel.EnergyTier, position int, trackID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.persistStateCtx(ctx, channelID, tier, position, trackID)
}

func (c *Controller) persistStateCtx(ctx context.Context, channelID string, tier channel.EnergyTier, position int, trackID string) {
	err := c.store.PutState(ctx, &catalog.PlaybackState{
		UserID:      c.userID,
		ChannelID:   channelID,
		Tier:        tier,
		Position:    position,
		LastTrackID: trackID,
		SessionID:   c.sessionID,
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to persist playback state")
	}
}

func (c *Controller) savePrefs() {
	if err := c.prefs.Save(); err != nil {
		log.Debug().Err(err).Msg("Failed to save preferences")
	}
}

// Close shuts the controller down.
func (c *Controller) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.stop(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to stop session")
	}
	c.engine().Destroy()
	c.sink.Close()
}
