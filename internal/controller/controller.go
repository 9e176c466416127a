// Package controller supervises a live voice call: it owns the session, the
// audio pipeline, and the task group that keeps both running.
//
// The controller enforces the stream's single-reader discipline. Once the
// session is established exactly one goroutine, the read loop, reads the
// transport; every inbound line is routed from there. PONG replies travel to
// the keep-alive task over a channel, inbound audio chunks go straight to
// playback, and peer-initiated PINGs are answered in place. All other tasks
// only ever write.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/audio"
)

// Defaults applied when the corresponding [Config] field is zero.
const (
	defaultKeepAlivePeriod  = 5 * time.Second
	defaultKeepAliveWarmUp  = 2 * time.Second
	defaultKeepAliveTimeout = 3 * time.Second
	defaultStatusInterval   = time.Second
)

// Config configures a [Controller].
type Config struct {
	// Host and Port identify the remote peer.
	Host string
	Port int

	// Session configures the underlying connection session.
	Session session.Config

	// Opener provides audio devices. Required; use the mock package or a
	// never-succeeding opener to run without audio.
	Opener audio.Opener

	// BufferDuration sizes the capture buffer.
	BufferDuration time.Duration

	// KeepAlivePeriod is the fixed interval between link probes.
	KeepAlivePeriod time.Duration

	// KeepAliveWarmUp is the delay before the first probe.
	KeepAliveWarmUp time.Duration

	// KeepAliveTimeout bounds the wait for each PONG. A missed PONG marks
	// the link unhealthy but never ends the call.
	KeepAliveTimeout time.Duration

	// StatusInterval is the cadence of [Snapshot] updates.
	StatusInterval time.Duration

	// Metrics receives instrumentation. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// Snapshot is a point-in-time view of the call, published on
// [Controller.Updates] and returned by [Controller.Snapshot].
type Snapshot struct {
	// State is the session lifecycle state.
	State session.State

	// RemoteAddr is the peer address, "" when not connected.
	RemoteAddr string

	// PingRTT is the round-trip time of the last successful probe.
	PingRTT time.Duration

	// LinkHealthy is false after a probe misses its PONG, true again once
	// a later probe succeeds.
	LinkHealthy bool

	// InputLevel is the last measured microphone level in [0, 1].
	InputLevel float64

	// Muted reports whether capture is muted.
	Muted bool

	// Duration is the elapsed call time since the session established.
	Duration time.Duration

	// Err is the fatal error that ended the call, nil while running and
	// after a clean shutdown.
	Err error
}

// Controller runs one voice call. Create with [New], start with
// [Controller.Start], observe via [Controller.Updates], and end with
// [Controller.Disconnect] or by cancelling the start context.
type Controller struct {
	host string
	port int

	sess    *session.Session
	pipe    *audio.Pipeline
	metrics *observe.Metrics

	kaPeriod       time.Duration
	kaWarmUp       time.Duration
	kaTimeout      time.Duration
	statusInterval time.Duration

	cancel  context.CancelFunc
	pongCh  chan struct{}
	updates chan Snapshot
	done    chan struct{}

	stopOnce sync.Once

	mu          sync.Mutex
	established time.Time
	lastRTT     time.Duration
	linkHealthy bool
	runErr      error
}

// New creates a controller wired to a fresh session and audio pipeline.
// Nothing connects until [Controller.Start].
func New(cfg Config) *Controller {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		host:           cfg.Host,
		port:           cfg.Port,
		sess:           session.New(cfg.Session),
		metrics:        metrics,
		kaPeriod:       cfg.KeepAlivePeriod,
		kaWarmUp:       cfg.KeepAliveWarmUp,
		kaTimeout:      cfg.KeepAliveTimeout,
		statusInterval: cfg.StatusInterval,
		pongCh:         make(chan struct{}, 1),
		updates:        make(chan Snapshot, 1),
		done:           make(chan struct{}),
		linkHealthy:    true,
	}
	if c.port == 0 {
		c.port = protocol.DefaultPort
	}
	if c.kaPeriod <= 0 {
		c.kaPeriod = defaultKeepAlivePeriod
	}
	if c.kaWarmUp <= 0 {
		c.kaWarmUp = defaultKeepAliveWarmUp
	}
	if c.kaTimeout <= 0 {
		c.kaTimeout = defaultKeepAliveTimeout
	}
	if c.statusInterval <= 0 {
		c.statusInterval = defaultStatusInterval
	}
	c.pipe = audio.NewPipeline(audio.PipelineConfig{
		Opener:         cfg.Opener,
		OnFrame:        c.sendFrame,
		BufferDuration: cfg.BufferDuration,
	})
	return c
}

// Start connects to the peer, negotiates the audio devices, and launches the
// call tasks. It returns once the session is established (or the connection
// attempt fails); the call itself runs until a fatal stream error, a peer
// disconnect, [Controller.Disconnect], or cancellation of ctx.
//
// Audio device failure is not fatal: the call continues with zero volume
// levels and playback discarded.
func (c *Controller) Start(ctx context.Context) error {
	start := time.Now()
	if err := c.sess.Connect(ctx, c.host, c.port); err != nil {
		return err
	}
	c.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.mu.Lock()
	c.established = time.Now()
	c.mu.Unlock()

	if err := c.pipe.Negotiate(); err != nil {
		var unavailable *audio.UnavailableError
		if !errors.As(err, &unavailable) {
			// Negotiate only reports total unavailability today; anything
			// else would be a programming error worth surfacing loudly.
			slog.Error("controller: unexpected negotiation failure", "err", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)

	// The read loop blocks inside the transport read; closing the session
	// is what unblocks it when the group winds down.
	release := context.AfterFunc(gctx, func() {
		_ = c.sess.Disconnect()
	})

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.keepAlive(gctx) })
	g.Go(func() error { return c.statusLoop(gctx) })
	g.Go(func() error {
		err := c.pipe.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	go c.supervise(g, release)
	return nil
}

// supervise waits for the task group, tears everything down, and publishes
// the final snapshot before closing the updates channel.
func (c *Controller) supervise(g *errgroup.Group, release func() bool) {
	err := g.Wait()
	release()

	_ = c.sess.Disconnect()
	if err := c.pipe.Close(); err != nil {
		slog.Warn("controller: audio release", "err", err)
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	if err != nil && !errors.Is(err, context.Canceled) {
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		slog.Error("call ended", "err", err)
	} else {
		slog.Info("call ended")
	}

	c.publish(c.Snapshot())
	close(c.updates)
	close(c.done)
}

// readLoop is the session's single reader. Every inbound control line and
// audio chunk passes through here.
func (c *Controller) readLoop(ctx context.Context) error {
	for {
		line, err := c.sess.ReadControl()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch line {
		case protocol.MarkerPong:
			select {
			case c.pongCh <- struct{}{}:
			default:
				// Unsolicited PONG, nothing is waiting for it.
			}

		case protocol.MarkerPing:
			if err := c.sess.SendPong(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case protocol.MarkerAudio:
			payload, err := c.sess.ReceiveAudioFrame()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if payload == nil {
				c.metrics.FramesDropped.Add(ctx, 1)
				slog.Warn("controller: dropped malformed audio chunk")
				continue
			}
			c.metrics.RecordFrameReceived(ctx, len(payload))
			c.pipe.Playback(payload)

		case protocol.MarkerDisconnect:
			slog.Info("peer ended the call")
			c.cancel()
			return nil

		default:
			slog.Debug("controller: ignoring control line", "line", line)
		}
	}
}

// keepAlive probes the link on a fixed cadence after an initial warm-up.
// A missed PONG only flips the health indicator; the session stays up.
func (c *Controller) keepAlive(ctx context.Context) error {
	warmUp := time.NewTimer(c.kaWarmUp)
	defer warmUp.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-warmUp.C:
	}

	ticker := time.NewTicker(c.kaPeriod)
	defer ticker.Stop()

	for {
		if err := c.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// probe sends one PING and waits for the read loop to route back the PONG.
func (c *Controller) probe(ctx context.Context) error {
	// Discard a PONG left over from a probe that already timed out.
	select {
	case <-c.pongCh:
	default:
	}

	start := time.Now()
	if err := c.sess.SendPing(); err != nil {
		return err
	}

	timeout := time.NewTimer(c.kaTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-c.pongCh:
		rtt := time.Since(start)
		c.metrics.RecordPing(ctx, rtt, true)
		c.mu.Lock()
		c.lastRTT = rtt
		c.linkHealthy = true
		c.mu.Unlock()
		slog.Debug("keep-alive pong", "rtt", rtt)
	case <-timeout.C:
		c.metrics.RecordPing(ctx, 0, false)
		c.mu.Lock()
		c.linkHealthy = false
		c.mu.Unlock()
		slog.Warn("keep-alive probe missed its reply", "timeout", c.kaTimeout)
	}
	return nil
}

// statusLoop publishes snapshots on a fixed cadence.
func (c *Controller) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := c.Snapshot()
			c.metrics.InputLevel.Record(ctx, snap.InputLevel)
			c.publish(snap)
		}
	}
}

// sendFrame forwards one captured buffer to the peer. A send failure marks
// the stream fatal inside the session; the read loop observes it and winds
// the call down, so the failure is only logged here.
func (c *Controller) sendFrame(pcm []byte) {
	if err := c.sess.SendAudioFrame(pcm); err != nil {
		slog.Warn("controller: audio send failed", "err", err)
		return
	}
	c.metrics.RecordFrameSent(context.Background(), len(pcm))
}

// publish delivers snap on the updates channel, replacing an unread older
// snapshot rather than blocking.
func (c *Controller) publish(snap Snapshot) {
	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

// Updates returns the snapshot stream. The channel holds at most the latest
// snapshot and is closed once the call has fully wound down.
func (c *Controller) Updates() <-chan Snapshot { return c.updates }

// Snapshot returns the current call state.
func (c *Controller) Snapshot() Snapshot {
	vol := c.pipe.Volume().Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	var duration time.Duration
	if !c.established.IsZero() {
		duration = time.Since(c.established)
	}
	return Snapshot{
		State:       c.sess.State(),
		RemoteAddr:  c.sess.RemoteAddr(),
		PingRTT:     c.lastRTT,
		LinkHealthy: c.linkHealthy,
		InputLevel:  vol.InputLevel,
		Muted:       vol.Muted,
		Duration:    duration,
		Err:         c.runErr,
	}
}

// AudioAvailable reports whether a device format was negotiated.
func (c *Controller) AudioAvailable() bool { return c.pipe.Available() }

// SetMicGain sets the capture gain, clamped to [0, 1].
func (c *Controller) SetMicGain(g float64) { c.pipe.Volume().SetMicGain(g) }

// SetSpeakerGain sets the playback gain, clamped to [0, 1].
func (c *Controller) SetSpeakerGain(g float64) { c.pipe.Volume().SetSpeakerGain(g) }

// SetMuted sets the capture mute flag.
func (c *Controller) SetMuted(muted bool) { c.pipe.Volume().SetMuted(muted) }

// Disconnect ends the call and blocks until teardown completes. Safe to
// call any number of times, including before [Controller.Start]; in that
// case it only closes the idle session.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	started := c.cancel != nil
	c.mu.Unlock()

	if !started {
		return c.sess.Disconnect()
	}
	c.stopOnce.Do(c.cancel)
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Wait blocks until the call has fully wound down and returns the fatal
// error, if any.
func (c *Controller) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}
