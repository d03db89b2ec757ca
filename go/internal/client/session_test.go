package client

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/syncroom/go/internal/clocksync"
	"github.com/mcdev12/syncroom/go/internal/gateway"
	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/reconnect"
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

type start struct {
	at      time.Time
	offset  float64
	audioID string
}

type recordingPlayer struct {
	starts chan start
	stops  chan time.Time
	gains  chan spatial.GainParams
	resets chan struct{}
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{
		starts: make(chan start, 8),
		stops:  make(chan time.Time, 8),
		gains:  make(chan spatial.GainParams, 8),
		resets: make(chan struct{}, 8),
	}
}

func (p *recordingPlayer) ScheduleStart(at time.Time, offsetSeconds float64, audioID string) {
	p.starts <- start{at: at, offset: offsetSeconds, audioID: audioID}
}

func (p *recordingPlayer) ScheduleStop(at time.Time) { p.stops <- at }

func (p *recordingPlayer) SetGain(gain, ramp float64) {
	p.gains <- spatial.GainParams{Gain: gain, RampTime: ramp}
}

func (p *recordingPlayer) ResetGain() { p.resets <- struct{}{} }

func newGateway(t *testing.T) string {
	t.Helper()
	svc := gateway.NewService(gateway.DefaultConfig(), clockwork.NewRealClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testConfig(serverURL, username string) Config {
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.RoomID = "r1"
	cfg.Username = username
	cfg.MeasurementCount = 5
	cfg.MeasurementSpacing = time.Millisecond
	return cfg
}

func runSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestSessionJoinsAndSynchronizes(t *testing.T) {
	url := newGateway(t)
	s := NewSession(testConfig(url, "ann"), clockwork.NewRealClock(), newRecordingPlayer())

	joined := make(chan string, 1)
	synced := make(chan clocksync.Estimate, 1)
	s.OnConnected(func(id string) { joined <- id })
	s.OnSynced(func(est clocksync.Estimate) { synced <- est })
	runSession(t, s)

	id := waitFor(t, joined, "client id")
	if id == "" || s.ClientID() != id {
		t.Errorf("unexpected client id %q (session has %q)", id, s.ClientID())
	}

	est := waitFor(t, synced, "clock sync")
	// Client and server share a clock, so the offset is bounded by the loopback RTT.
	if math.Abs(est.AverageOffset) > 50 {
		t.Errorf("expected a near-zero offset, got %v", est.AverageOffset)
	}
	if got, ok := s.Estimate(); !ok || got != est {
		t.Errorf("estimate not retained: %+v %v", got, ok)
	}
}

func TestPlayIsScheduledOnEveryClient(t *testing.T) {
	url := newGateway(t)

	players := []*recordingPlayer{newRecordingPlayer(), newRecordingPlayer()}
	sessions := make([]*Session, len(players))
	for i, name := range []string{"ann", "bob"} {
		s := NewSession(testConfig(url, name), clockwork.NewRealClock(), players[i])
		synced := make(chan clocksync.Estimate, 1)
		s.OnSynced(func(est clocksync.Estimate) {
			select {
			case synced <- est:
			default:
			}
		})
		runSession(t, s)
		waitFor(t, synced, name+" sync")
		sessions[i] = s
	}

	sent := time.Now()
	if err := sessions[0].Play(5, "song.mp3"); err != nil {
		t.Fatalf("play: %v", err)
	}

	for i, p := range players {
		got := waitFor(t, p.starts, "scheduled start")
		if got.audioID != "song.mp3" || got.offset != 5 {
			t.Errorf("client %d: unexpected start %+v", i, got)
		}
		lead := got.at.Sub(sent)
		if lead < 300*time.Millisecond || lead > 700*time.Millisecond {
			t.Errorf("client %d: expected start about 500ms out, got %v", i, lead)
		}
	}

	if err := sessions[1].Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for _, p := range players {
		waitFor(t, p.stops, "scheduled stop")
	}
}

func TestLatePlayStartsMidStream(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	player := newRecordingPlayer()
	s := NewSession(testConfig("ws://unused", "ann"), clock, player)

	now := clocksync.EpochMillis(clock.Now())
	s.handleAction(protocol.ScheduledActionMessage{
		Action:              protocol.PlayAction{TrackTimeSeconds: 10, AudioID: "a"},
		ServerTimeToExecute: now - 2000,
	})

	got := waitFor(t, player.starts, "start")
	if !got.at.Equal(clock.Now()) {
		t.Errorf("late start should be immediate, got %v", got.at.Sub(clock.Now()))
	}
	if math.Abs(got.offset-12) > 1e-9 {
		t.Errorf("expected track offset 12, got %v", got.offset)
	}
}

func TestSlightlyLatePlayIsCorrected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	player := newRecordingPlayer()
	s := NewSession(testConfig("ws://unused", "ann"), clock, player)

	now := clocksync.EpochMillis(clock.Now())
	s.handleAction(protocol.ScheduledActionMessage{
		Action:              protocol.PlayAction{TrackTimeSeconds: 30, AudioID: "a"},
		ServerTimeToExecute: now - 15,
	})

	got := waitFor(t, player.starts, "start")
	if !got.at.Equal(clock.Now()) {
		t.Errorf("late start should be immediate, got %v", got.at.Sub(clock.Now()))
	}
	if math.Abs(got.offset-30.015) > 1e-6 {
		t.Errorf("expected track offset 30.015, got %v", got.offset)
	}
}

func TestPauseUsesClockOffset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	player := newRecordingPlayer()
	cfg := testConfig("ws://unused", "ann")
	cfg.MeasurementCount = 1
	s := NewSession(cfg, clock, player)

	// Server runs 100ms ahead of the local clock.
	local := clocksync.EpochMillis(clock.Now())
	s.estimator.Record(clocksync.NewMeasurement(local, local+100, local+100, local))

	s.handleAction(protocol.ScheduledActionMessage{
		Action:              protocol.PauseAction{},
		ServerTimeToExecute: local + 400,
	})

	at := waitFor(t, player.stops, "stop")
	if want := clock.Now().Add(300 * time.Millisecond); !at.Equal(want) {
		t.Errorf("expected stop at %v, got %v", want, at)
	}
}

func TestSpatialActionsDriveGain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := newRecordingPlayer()
	s := NewSession(testConfig("ws://unused", "ann"), clock, player)
	s.clientID = "me"

	s.handleAction(protocol.ScheduledActionMessage{Action: protocol.SpatialConfigAction{
		Gains: map[string]spatial.GainParams{
			"me":    {Gain: 0.4, RampTime: 0.25},
			"other": {Gain: 1, RampTime: 0.25},
		},
	}})
	if got := waitFor(t, player.gains, "gain"); got.Gain != 0.4 || got.RampTime != 0.25 {
		t.Errorf("unexpected gain %+v", got)
	}

	s.handleAction(protocol.ScheduledActionMessage{Action: protocol.StopSpatialAudioAction{}})
	waitFor(t, player.resets, "gain reset")
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	player := newRecordingPlayer()
	s := NewSession(testConfig("ws://unused", "ann"), clockwork.NewFakeClock(), player)

	s.handleResponse(7, protocol.SetClientIDMessage{ClientID: "ghost"}, time.Now())
	s.handleResponse(7, protocol.ScheduledActionMessage{Action: protocol.PauseAction{}}, time.Now())

	if s.ClientID() != "" {
		t.Errorf("stale message changed the client id to %q", s.ClientID())
	}
	select {
	case <-player.stops:
		t.Error("stale action reached the player")
	default:
	}
}

func TestSendWithoutConnection(t *testing.T) {
	s := NewSession(testConfig("ws://unused", "ann"), clockwork.NewFakeClock(), nil)
	if err := s.Pause(); !errors.Is(err, ErrTransportNotReady) {
		t.Errorf("expected ErrTransportNotReady, got %v", err)
	}
	if _, err := s.Measure(context.Background()); !errors.Is(err, ErrTransportNotReady) {
		t.Errorf("expected ErrTransportNotReady from Measure, got %v", err)
	}
	if s.Connected() {
		t.Error("session should not report a connection")
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	clock := clockwork.NewFakeClock()
	cfg := testConfig(url, "ann")
	cfg.Reconnect = reconnect.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
	}
	s := NewSession(cfg, clock, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for attempt := 1; attempt <= cfg.Reconnect.MaxAttempts; attempt++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("attempt %d was never scheduled: %v", attempt, err)
		}
		if got := s.Reconnect().Attempts(); got != attempt {
			t.Errorf("expected attempt %d, got %d", attempt, got)
		}
		clock.Advance(cfg.Reconnect.MaxDelay)
	}

	err := waitFor(t, errCh, "run to return")
	if !errors.Is(err, reconnect.ErrReconnectExhausted) {
		t.Errorf("expected ErrReconnectExhausted, got %v", err)
	}
}

func TestMeasureReturnsOneRoundTrip(t *testing.T) {
	url := newGateway(t)
	cfg := testConfig(url, "ann")
	s := NewSession(cfg, clockwork.NewRealClock(), newRecordingPlayer())

	synced := make(chan clocksync.Estimate, 4)
	s.OnSynced(func(est clocksync.Estimate) { synced <- est })
	runSession(t, s)
	waitFor(t, synced, "clock sync")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	before := clocksync.EpochMillis(time.Now())
	m, err := s.Measure(ctx)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if m.T0 < before || m.T3 < m.T0 || m.T1 == 0 || m.T2 < m.T1 {
		t.Errorf("inconsistent timestamps %+v", m)
	}
	if want := (m.T3 - m.T0) - (m.T2 - m.T1); m.RoundTripDelay != want {
		t.Errorf("expected round trip %v, got %v", want, m.RoundTripDelay)
	}

	// Ad hoc measurements stay out of the sync window.
	if got := s.estimator.Count(); got != cfg.MeasurementCount {
		t.Errorf("expected a full window of %d, got %d", cfg.MeasurementCount, got)
	}
	select {
	case est := <-synced:
		t.Errorf("measure triggered another sync: %+v", est)
	default:
	}
}

// advanceUntilSynced steps the fake clock whenever the session is parked on at
// least waiters timers, until the next estimate is published.
func advanceUntilSynced(t *testing.T, clock *clockwork.FakeClock, synced <-chan clocksync.Estimate, step time.Duration, waiters int) clocksync.Estimate {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		ctx, cancel := context.WithCancel(context.Background())
		blocked := make(chan error, 1)
		go func() { blocked <- clock.BlockUntilContext(ctx, waiters) }()

		select {
		case est := <-synced:
			cancel()
			return est
		case err := <-blocked:
			cancel()
			if err != nil {
				t.Fatalf("waiting for timers: %v", err)
			}
			clock.Advance(step)
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for clock sync")
		}
	}
}

func TestResyncKeepsLastEstimateWhileCollecting(t *testing.T) {
	url := newGateway(t)
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	cfg := testConfig(url, "ann")
	cfg.MeasurementCount = 3
	cfg.MeasurementSpacing = 10 * time.Millisecond
	player := newRecordingPlayer()
	s := NewSession(cfg, clock, player)

	synced := make(chan clocksync.Estimate, 4)
	s.OnSynced(func(est clocksync.Estimate) { synced <- est })
	runSession(t, s)

	first := advanceUntilSynced(t, clock, synced, cfg.MeasurementSpacing, 1)

	// The resync ticker is the only timer until the interval elapses.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("resync ticker not armed: %v", err)
	}
	clock.Advance(cfg.ResyncInterval)

	// Ticker plus the spacing timer: one sample of the new window is in.
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatalf("resync did not start: %v", err)
	}
	if got := s.estimator.Count(); got != 1 {
		t.Errorf("expected one sample in the new window, got %d", got)
	}
	if got, ok := s.Estimate(); !ok || got != first {
		t.Errorf("estimate should survive the resync, got %+v %v", got, ok)
	}

	local := clocksync.EpochMillis(clock.Now())
	s.handleAction(protocol.ScheduledActionMessage{
		Action:              protocol.PauseAction{},
		ServerTimeToExecute: local + first.AverageOffset + 400,
	})
	at := waitFor(t, player.stops, "stop")
	if d := at.Sub(clock.Now()) - 400*time.Millisecond; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("stop should use the previous offset, off by %v", d)
	}

	advanceUntilSynced(t, clock, synced, cfg.MeasurementSpacing, 2)
	if got := s.estimator.Count(); got != cfg.MeasurementCount {
		t.Errorf("expected a full window after resync, got %d", got)
	}
}
