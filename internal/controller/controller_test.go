package controller

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/peer"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/audio/mock"
)

// pcm16 builds little-endian 16-bit PCM with every sample set to v.
func pcm16(samples int, v int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[i*2] = byte(uint16(v))
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

// startEchoPeer runs a real echoing peer server for the duration of the test.
func startEchoPeer(t *testing.T) (string, int) {
	t.Helper()
	srv := peer.New(peer.Config{Echo: true})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })
	return splitAddr(t, srv.Addr())
}

// startScriptedPeer accepts one client, completes the handshake, and hands
// the stream to handle.
func startScriptedPeer(t *testing.T, handle func(conn net.Conn, r *protocol.Reader, w *protocol.Writer)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		line, err := r.ReadLine()
		if err != nil || line != protocol.MarkerConnect {
			return
		}
		if err := w.WriteLine(protocol.MarkerReady); err != nil {
			return
		}
		handle(conn, r, w)
	}()

	return splitAddr(t, ln.Addr().String())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func testConfig(host string, port int, opener audio.Opener) Config {
	return Config{
		Host: host,
		Port: port,
		Session: session.Config{
			HandshakeTimeout: time.Second,
			PingTimeout:      time.Second,
		},
		Opener:           opener,
		BufferDuration:   10 * time.Millisecond,
		KeepAlivePeriod:  40 * time.Millisecond,
		KeepAliveWarmUp:  10 * time.Millisecond,
		KeepAliveTimeout: 500 * time.Millisecond,
		StatusInterval:   10 * time.Millisecond,
	}
}

// unavailableOpener is a mock with no supported formats: every open fails
// and the pipeline degrades to silent operation.
func unavailableOpener() *mock.Opener {
	return &mock.Opener{}
}

func TestCallEndToEnd(t *testing.T) {
	host, port := startEchoPeer(t)

	captured := pcm16(160, 1000)
	opener := &mock.Opener{
		SupportedFormats: []audio.Format{{SampleRate: 44100, BitDepth: 16, Channels: 1}},
		CaptureData:      captured,
	}

	ctrl := New(testConfig(host, port, opener))
	start := time.Now()
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake took %s, expected under a second", elapsed)
	}

	snap := ctrl.Snapshot()
	if snap.State != session.StateEstablished {
		t.Errorf("expected established state, got %s", snap.State)
	}
	if snap.RemoteAddr == "" {
		t.Error("expected a remote address after connect")
	}

	// The echo peer sends our captured PCM straight back; at unity gain
	// the playback device must receive it byte for byte.
	ok := waitFor(t, 2*time.Second, func() bool {
		if len(opener.Playbacks) == 0 {
			return false
		}
		return bytes.Equal(opener.Playbacks[0].Written(), captured)
	})
	if !ok {
		t.Fatal("echoed audio never reached the playback device")
	}

	// Keep-alive probes must have produced a measured round trip.
	if !waitFor(t, 2*time.Second, func() bool { return ctrl.Snapshot().PingRTT > 0 }) {
		t.Error("no ping round trip recorded")
	}
	if !ctrl.Snapshot().LinkHealthy {
		t.Error("link should be healthy with a responsive peer")
	}

	// Updates carries live snapshots.
	select {
	case upd, open := <-ctrl.Updates():
		if !open {
			t.Fatal("updates channel closed during the call")
		}
		if upd.State != session.StateEstablished {
			t.Errorf("update state = %s, expected established", upd.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	if err := ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := ctrl.Snapshot().State; got != session.StateClosed {
		t.Errorf("expected closed state after disconnect, got %s", got)
	}

	// The channel closes once teardown finishes.
	if !waitFor(t, time.Second, func() bool {
		_, open := <-ctrl.Updates()
		return !open
	}) {
		t.Error("updates channel never closed")
	}
}

func TestStartConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitAddr(t, ln.Addr().String())
	_ = ln.Close()

	ctrl := New(testConfig(host, port, unavailableOpener()))
	err = ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("expected connect error, got nil")
	}
	var te *session.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected TransportError, got %T: %v", err, err)
	}
	if got := ctrl.Snapshot().State; got != session.StateClosed {
		t.Errorf("expected closed state after failed connect, got %s", got)
	}
}

func TestPeerDisconnectEndsCallCleanly(t *testing.T) {
	host, port := startScriptedPeer(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		_ = w.WriteLine(protocol.MarkerDisconnect)
		// Hold the stream open; the client decides when to hang up.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})

	ctrl := New(testConfig(host, port, unavailableOpener()))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown on peer disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end after peer disconnect")
	}
	if got := ctrl.Snapshot().State; got != session.StateClosed {
		t.Errorf("expected closed state, got %s", got)
	}
}

func TestStreamFailureEndsCallWithError(t *testing.T) {
	host, port := startScriptedPeer(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		_ = conn.Close()
	})

	ctrl := New(testConfig(host, port, unavailableOpener()))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := ctrl.Wait()
	if err == nil {
		t.Fatal("expected a fatal stream error, got nil")
	}
	var te *session.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected TransportError, got %T: %v", err, err)
	}

	// The final snapshot on the updates channel carries the error.
	var last Snapshot
	for s := range ctrl.Updates() {
		last = s
	}
	if last.Err == nil {
		t.Error("final snapshot should carry the fatal error")
	}
}

func TestMissedPongMarksLinkUnhealthy(t *testing.T) {
	host, port := startScriptedPeer(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		// Read and swallow every probe without ever answering.
		for {
			if _, err := r.ReadLine(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(host, port, unavailableOpener())
	cfg.KeepAliveTimeout = 30 * time.Millisecond
	ctrl := New(cfg)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ctrl.Disconnect()

	if !waitFor(t, 2*time.Second, func() bool { return !ctrl.Snapshot().LinkHealthy }) {
		t.Fatal("link never marked unhealthy despite missing pongs")
	}

	// The indicator is advisory: the session itself stays up.
	snap := ctrl.Snapshot()
	if snap.State != session.StateEstablished {
		t.Errorf("expected established state, got %s", snap.State)
	}
	if snap.Err != nil {
		t.Errorf("missed pong must not be fatal, got %v", snap.Err)
	}
}

func TestAudioUnavailableCallStillRuns(t *testing.T) {
	host, port := startEchoPeer(t)

	opener := unavailableOpener()
	ctrl := New(testConfig(host, port, opener))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ctrl.Disconnect()

	// Snapshots keep flowing with zero levels.
	if !waitFor(t, time.Second, func() bool {
		select {
		case upd, open := <-ctrl.Updates():
			return open && upd.InputLevel == 0 && upd.State == session.StateEstablished
		default:
			return false
		}
	}) {
		t.Error("no zero-level snapshot while audio unavailable")
	}
	if len(opener.TriedCapture) == 0 {
		t.Error("negotiation should have tried every candidate format")
	}
}

func TestVolumeControls(t *testing.T) {
	host, port := startEchoPeer(t)

	ctrl := New(testConfig(host, port, unavailableOpener()))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ctrl.Disconnect()

	ctrl.SetMuted(true)
	if !ctrl.Snapshot().Muted {
		t.Error("expected muted snapshot after SetMuted(true)")
	}
	ctrl.SetMuted(false)
	if ctrl.Snapshot().Muted {
		t.Error("expected unmuted snapshot after SetMuted(false)")
	}

	// Gains clamp to [0, 1]; verified through the shared volume state.
	ctrl.SetMicGain(1.5)
	ctrl.SetSpeakerGain(-0.5)
}

func TestDisconnectBeforeStart(t *testing.T) {
	ctrl := New(testConfig("127.0.0.1", 1, unavailableOpener()))
	if err := ctrl.Disconnect(); err != nil {
		t.Errorf("Disconnect before Start failed: %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	host, port := startEchoPeer(t)

	ctrl := New(testConfig(host, port, unavailableOpener()))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ctrl.Disconnect(); err != nil {
			t.Errorf("Disconnect #%d failed: %v", i+1, err)
		}
	}
}
