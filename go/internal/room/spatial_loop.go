package room

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

// spatialLoop is the ticker driving the listening source orbit of one room.
type spatialLoop struct {
	ticker clockwork.Ticker
	stop   chan struct{}
}

// StartSpatialAudio starts the orbit loop. Returns false if it is already running.
func (r *Room) StartSpatialAudio() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loop != nil {
		return false
	}

	loop := &spatialLoop{
		ticker: r.clock.NewTicker(r.cfg.SpatialTick),
		stop:   make(chan struct{}),
	}
	r.loop = loop
	go r.runSpatialLoop(loop)

	log.Info().Str("room_id", r.id).Dur("tick", r.cfg.SpatialTick).Msg("spatial audio started")
	return true
}

// StopSpatialAudio stops the orbit loop and tells clients to drop spatial
// gains. Stopping an idle room is a no-op and returns false.
func (r *Room) StopSpatialAudio() bool {
	r.mu.Lock()
	stopped := r.stopLoopLocked()
	r.mu.Unlock()

	if !stopped {
		return false
	}

	r.coord.Schedule(r.id, protocol.StopSpatialAudioAction{}, 0)
	log.Info().Str("room_id", r.id).Msg("spatial audio stopped")
	return true
}

// SpatialAudioActive reports whether the orbit loop is running.
func (r *Room) SpatialAudioActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop != nil
}

func (r *Room) stopLoopLocked() bool {
	if r.loop == nil {
		return false
	}
	r.loop.ticker.Stop()
	close(r.loop.stop)
	r.loop = nil
	return true
}

func (r *Room) runSpatialLoop(loop *spatialLoop) {
	loopCount := 0
	for {
		select {
		case <-loop.stop:
			return
		case <-loop.ticker.Chan():
			if r.spatialTick(loop, loopCount) {
				loopCount++
			}
		}
	}
}

// spatialTick advances the listening source and broadcasts gains. Ticks from a
// loop that has been replaced or stopped are discarded.
func (r *Room) spatialTick(loop *spatialLoop, loopCount int) bool {
	r.mu.Lock()
	if r.loop != loop || len(r.clients) == 0 {
		r.mu.Unlock()
		return false
	}
	r.listeningSource = spatial.OrbitPosition(loopCount)
	action := r.spatialConfigLocked()
	r.mu.Unlock()

	log.Debug().Str("room_id", r.id).Int("loop", loopCount).Msg("spatial tick")
	r.coord.Schedule(r.id, action, r.coord.Horizon())
	return true
}
