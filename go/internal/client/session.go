// Package client implements the room client: websocket transport, clock
// synchronization and conversion of scheduled actions into local playback.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/clocksync"
	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/reconnect"
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

// ErrTransportNotReady is returned when a message is sent without an open
// connection.
var ErrTransportNotReady = errors.New("transport not ready")

// Config holds client settings.
type Config struct {
	ServerURL          string           `yaml:"server_url" env:"SERVER_URL" validate:"required,url"`
	RoomID             string           `yaml:"room_id" env:"ROOM_ID" validate:"required"`
	Username           string           `yaml:"username" env:"USERNAME" validate:"required"`
	ClientID           string           `yaml:"client_id" env:"CLIENT_ID"`
	MeasurementCount   int              `yaml:"measurement_count" env:"MEASUREMENT_COUNT" validate:"gte=1"`
	MeasurementSpacing time.Duration    `yaml:"measurement_spacing" env:"MEASUREMENT_SPACING" validate:"gte=0"`
	ResyncInterval     time.Duration    `yaml:"resync_interval" env:"RESYNC_INTERVAL" validate:"gt=0"`
	LateTolerance      time.Duration    `yaml:"late_tolerance" env:"LATE_TOLERANCE" validate:"gte=0"`
	HandshakeTimeout   time.Duration    `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT" validate:"gt=0"`
	Reconnect          reconnect.Config `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:          "ws://localhost:8080/ws",
		MeasurementCount:   clocksync.DefaultWindowSize,
		MeasurementSpacing: 30 * time.Millisecond,
		ResyncInterval:     30 * time.Second,
		LateTolerance:      0,
		HandshakeTimeout:   10 * time.Second,
		Reconnect:          reconnect.DefaultConfig(),
	}
}

// Session is one client's membership of a room. Everything tied to a
// connection carries its generation; work from an older generation is dropped.
type Session struct {
	cfg       Config
	clock     clockwork.Clock
	dialer    *websocket.Dialer
	player    Player
	estimator *clocksync.Estimator
	reconnect *reconnect.Manager

	mu          sync.Mutex
	ctx         context.Context
	conn        *websocket.Conn
	gen         uint64
	closed      bool
	cancelConn  context.CancelFunc
	pending     map[float64][]chan clocksync.Measurement
	clientID    string
	clients     []protocol.ClientInfo
	sources     []protocol.AudioSource
	onSynced    func(clocksync.Estimate)
	onConnected func(clientID string)

	writeMu sync.Mutex
}

// NewSession creates a session. Nothing is dialed until Run.
func NewSession(cfg Config, clock clockwork.Clock, player Player) *Session {
	def := DefaultConfig()
	if cfg.MeasurementCount <= 0 {
		cfg.MeasurementCount = def.MeasurementCount
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if player == nil {
		player = LogPlayer{}
	}

	s := &Session{
		cfg:       cfg,
		clock:     clock,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		player:    player,
		estimator: clocksync.NewEstimator(cfg.MeasurementCount),
		clientID:  cfg.ClientID,
		ctx:       context.Background(),
	}
	s.reconnect = reconnect.New(cfg.Reconnect, clock, s.connect)
	return s
}

// OnSynced registers a callback for every completed measurement window.
func (s *Session) OnSynced(fn func(clocksync.Estimate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSynced = fn
}

// OnConnected registers a callback for every server-confirmed join.
func (s *Session) OnConnected(fn func(clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// Reconnect exposes the reconnection manager, e.g. to observe its status.
func (s *Session) Reconnect() *reconnect.Manager {
	return s.reconnect
}

// Run connects and keeps the session alive until ctx is cancelled or every
// reconnection attempt failed.
func (s *Session) Run(ctx context.Context) error {
	exhausted := make(chan error, 1)
	s.reconnect.OnExhausted(func(err error) {
		select {
		case exhausted <- err:
		default:
		}
	})

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.connect()

	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-exhausted:
		s.Close()
		return err
	}
}

// Close ends the session and cancels every pending timer.
func (s *Session) Close() {
	s.reconnect.Close()

	s.mu.Lock()
	s.closed = true
	conn := s.teardownLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", s.cfg.RoomID)
	q.Set("username", s.cfg.Username)
	s.mu.Lock()
	if s.clientID != "" {
		q.Set("clientId", s.clientID)
	}
	s.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials once. Failures hand over to the reconnection manager.
func (s *Session) connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	endpoint, err := s.endpoint()
	if err != nil {
		log.Error().Err(err).Msg("invalid server url")
		return
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", endpoint).Msg("connection failed")
		s.reconnect.ScheduleReconnection()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	previous := s.teardownLocked()
	s.gen++
	gen := s.gen
	s.conn = conn
	connCtx, cancel := context.WithCancel(ctx)
	s.cancelConn = cancel
	// A stale offset is never trusted across connections.
	s.estimator.Reset()
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	log.Info().Str("room_id", s.cfg.RoomID).Uint64("generation", gen).Msg("connected")

	s.reconnect.OnConnectionOpen()

	go s.readLoop(conn, gen)
	go s.syncLoop(connCtx, gen)
}

// teardownLocked drops the current connection, stops its sync loop and fails
// its outstanding measurements, returning the connection for the caller to close.
func (s *Session) teardownLocked() *websocket.Conn {
	conn := s.conn
	s.conn = nil
	s.gen++
	if s.cancelConn != nil {
		s.cancelConn()
		s.cancelConn = nil
	}
	for _, waiters := range s.pending {
		for _, ch := range waiters {
			close(ch)
		}
	}
	s.pending = nil
	return conn
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.gen == gen && s.conn != nil
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, gen, err)
			return
		}
		received := s.clock.Now()

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed server message")
			continue
		}
		s.handleResponse(gen, resp, received)
	}
}

func (s *Session) handleDisconnect(conn *websocket.Conn, gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()
	conn.Close()

	log.Warn().Err(cause).Msg("connection lost")
	s.reconnect.ScheduleReconnection()
}

// syncLoop fills the first measurement window of a connection, then refills
// it every ResyncInterval. The last estimate stays in use while a resync runs.
func (s *Session) syncLoop(ctx context.Context, gen uint64) {
	s.collect(ctx, gen)

	ticker := s.clock.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			log.Debug().Msg("starting clock resync")
			s.estimator.BeginResync()
			s.collect(ctx, gen)
		}
	}
}

// collect runs round trips, MeasurementSpacing apart, until the window is full.
func (s *Session) collect(ctx context.Context, gen uint64) {
	for {
		m, err := s.measure(ctx, gen)
		if err != nil {
			log.Debug().Err(err).Msg("clock sync interrupted")
			return
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		complete := s.estimator.Record(m)
		collecting := s.estimator.Collecting()
		s.mu.Unlock()

		if complete {
			s.synced(gen)
			return
		}
		if !collecting || !s.sleep(ctx, s.cfg.MeasurementSpacing) {
			return
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (s *Session) synced(gen uint64) {
	est, _ := s.estimator.Estimate()
	log.Info().
		Float64("offset_ms", est.AverageOffset).
		Float64("rtt_ms", est.AverageRoundTrip).
		Msg("clock synchronized")

	if err := s.send(gen, protocol.ClientRTTRequest{RTT: est.AverageRoundTrip}); err != nil {
		log.Debug().Err(err).Msg("RTT report not sent")
	}

	s.mu.Lock()
	fn := s.onSynced
	s.mu.Unlock()
	if fn != nil {
		fn(est)
	}
}

// measure performs one round trip on the connection of generation gen.
func (s *Session) measure(ctx context.Context, gen uint64) (clocksync.Measurement, error) {
	t0 := clocksync.EpochMillis(s.clock.Now())
	reply := make(chan clocksync.Measurement, 1)

	s.mu.Lock()
	conn := s.conn
	if s.closed || s.gen != gen || conn == nil {
		s.mu.Unlock()
		return clocksync.Measurement{}, ErrTransportNotReady
	}
	if s.pending == nil {
		s.pending = make(map[float64][]chan clocksync.Measurement)
	}
	s.pending[t0] = append(s.pending[t0], reply)
	s.mu.Unlock()

	if err := s.write(conn, protocol.NTPRequest{T0: t0}); err != nil {
		s.forget(t0, reply)
		return clocksync.Measurement{}, err
	}

	select {
	case m, ok := <-reply:
		if !ok {
			return clocksync.Measurement{}, fmt.Errorf("measure: %w", ErrTransportNotReady)
		}
		return m, nil
	case <-ctx.Done():
		s.forget(t0, reply)
		return clocksync.Measurement{}, ctx.Err()
	}
}

func (s *Session) forget(t0 float64, reply chan clocksync.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.pending[t0]
	for i, ch := range waiters {
		if ch == reply {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.pending, t0)
	} else {
		s.pending[t0] = waiters
	}
}

func (s *Session) handleResponse(gen uint64, resp protocol.Response, received time.Time) {
	if !s.current(gen) {
		return
	}

	switch resp := resp.(type) {
	case protocol.NTPResponse:
		s.handleNTP(resp, received)
	case protocol.SetClientIDMessage:
		s.mu.Lock()
		s.clientID = resp.ClientID
		fn := s.onConnected
		s.mu.Unlock()
		log.Info().Str("client_id", resp.ClientID).Msg("joined room")
		if fn != nil {
			fn(resp.ClientID)
		}
	case protocol.RoomEventMessage:
		s.handleEvent(resp.Event)
	case protocol.ScheduledActionMessage:
		s.handleAction(resp)
	}
}

// handleNTP completes the oldest round trip waiting on resp.T0.
func (s *Session) handleNTP(resp protocol.NTPResponse, received time.Time) {
	m := clocksync.NewMeasurement(resp.T0, resp.T1, resp.T2, clocksync.EpochMillis(received))

	s.mu.Lock()
	waiters := s.pending[resp.T0]
	if len(waiters) == 0 {
		s.mu.Unlock()
		log.Debug().Float64("t0", resp.T0).Msg("dropping unmatched NTP response")
		return
	}
	reply := waiters[0]
	if len(waiters) == 1 {
		delete(s.pending, resp.T0)
	} else {
		s.pending[resp.T0] = waiters[1:]
	}
	s.mu.Unlock()

	reply <- m
}

func (s *Session) handleEvent(event protocol.Event) {
	switch ev := event.(type) {
	case protocol.ClientChangeEvent:
		s.mu.Lock()
		s.clients = ev.Clients
		s.mu.Unlock()
	case protocol.SetAudioSourcesEvent:
		s.mu.Lock()
		s.sources = ev.Sources
		s.mu.Unlock()
	case protocol.JoinEvent:
		log.Info().Str("client_id", ev.ClientID).Str("username", ev.Username).Msg("client joined")
	case protocol.LeaveEvent:
		log.Info().Str("client_id", ev.ClientID).Str("username", ev.Username).Msg("client left")
	}
}

// offset returns the current clock offset. Before the first window completes
// the local clock is used as is.
func (s *Session) offset() float64 {
	est, ok := s.estimator.Estimate()
	if !ok {
		log.Warn().Msg("scheduling before clock sync, assuming zero offset")
		return 0
	}
	return est.AverageOffset
}

func (s *Session) handleAction(msg protocol.ScheduledActionMessage) {
	now := s.clock.Now()
	localNow := clocksync.EpochMillis(now)

	switch action := msg.Action.(type) {
	case protocol.PlayAction:
		plan := clocksync.PlanStart(msg.ServerTimeToExecute, localNow, s.offset(), action.TrackTimeSeconds, s.cfg.LateTolerance)
		if plan.Late {
			log.Warn().
				Float64("track_offset", plan.TrackOffset).
				Msg("play received late, starting mid-stream")
		}
		s.player.ScheduleStart(now.Add(plan.Wait), plan.TrackOffset, action.AudioID)
	case protocol.PauseAction:
		wait := clocksync.WaitTime(msg.ServerTimeToExecute, localNow, s.offset())
		s.player.ScheduleStop(now.Add(clocksync.MillisToDuration(wait)))
	case protocol.SpatialConfigAction:
		sp, ok := s.player.(SpatialPlayer)
		if !ok {
			return
		}
		s.mu.Lock()
		params, found := action.Gains[s.clientID]
		s.mu.Unlock()
		if found {
			sp.SetGain(params.Gain, params.RampTime)
		}
	case protocol.StopSpatialAudioAction:
		if sp, ok := s.player.(SpatialPlayer); ok {
			sp.ResetGain()
		}
	}
}

// send writes req on the connection of generation gen.
func (s *Session) send(gen uint64, req protocol.Request) error {
	s.mu.Lock()
	conn := s.conn
	ok := !s.closed && s.gen == gen && conn != nil
	s.mu.Unlock()
	if !ok {
		return ErrTransportNotReady
	}
	return s.write(conn, req)
}

func (s *Session) write(conn *websocket.Conn, req protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.RequestType(), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", req.RequestType(), err)
	}
	return nil
}

// Send writes a request on the current connection.
func (s *Session) Send(req protocol.Request) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return ErrTransportNotReady
	}
	return s.write(conn, req)
}

// Measure performs one NTP round trip on the current connection and returns
// the sample without folding it into the sync window. It fails with
// ErrTransportNotReady when no connection is open and never retries.
func (s *Session) Measure(ctx context.Context) (clocksync.Measurement, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.measure(ctx, gen)
}

// Play asks the room to start audioID at trackTimeSeconds.
func (s *Session) Play(trackTimeSeconds float64, audioID string) error {
	return s.Send(protocol.PlayRequest{TrackTimeSeconds: trackTimeSeconds, AudioID: audioID})
}

func (s *Session) Pause() error {
	return s.Send(protocol.PauseRequest{})
}

// Move repositions a client on the grid.
func (s *Session) Move(clientID string, pos spatial.Position) error {
	return s.Send(protocol.MoveClientRequest{ClientID: clientID, Position: pos})
}

func (s *Session) StartSpatialAudio() error {
	return s.Send(protocol.StartSpatialAudioRequest{})
}

func (s *Session) StopSpatialAudio() error {
	return s.Send(protocol.StopSpatialAudioRequest{})
}

// Estimate returns the current clock estimate, if any.
func (s *Session) Estimate() (clocksync.Estimate, bool) {
	return s.estimator.Estimate()
}

// ClientID returns the id assigned by the server.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Clients returns the last known member list.
func (s *Session) Clients() []protocol.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientInfo(nil), s.clients...)
}

// AudioSources returns the last known audio sources.
func (s *Session) AudioSources() []protocol.AudioSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.AudioSource(nil), s.sources...)
}

// Connected reports whether a connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}
