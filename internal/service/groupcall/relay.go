package groupcall

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/event"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// Per-pair relay for the mesh: every payload names both sender and
// target since the room has more than two members. Misses are silent
// logged no-ops, same as the 1:1 path.

// RelayDescription forwards an SDP offer or answer to one peer in the
// mesh and flushes any candidates queued behind it.
func (s *Service) RelayDescription(senderID uuid.UUID, in *event.RTCSignal, outType string) {
	if !s.relayable(senderID, in) {
		s.dropRelay(outType, in.RoomID, in.TargetUserID)
		return
	}

	s.emitter.ToUser(in.TargetUserID, event.Event{
		Type: outType,
		Data: event.RTCSignalReceived{
			RoomID:     in.RoomID,
			FromUserID: senderID,
			SDP:        in.SDP,
		},
	})

	for _, candidate := range s.candidates.Release(in.RoomID, senderID, in.TargetUserID) {
		s.relayCandidate(senderID, in.RoomID, in.TargetUserID, candidate)
	}
}

// RelayCandidate forwards an ICE candidate to one peer, buffering it
// while that pair's session description has not been relayed yet.
func (s *Service) RelayCandidate(senderID uuid.UUID, in *event.RTCSignal) {
	if !s.relayable(senderID, in) {
		s.dropRelay(event.OutRTCIce, in.RoomID, in.TargetUserID)
		return
	}

	if s.candidates.Hold(in.RoomID, senderID, in.TargetUserID, in.Candidate) {
		return
	}

	s.relayCandidate(senderID, in.RoomID, in.TargetUserID, in.Candidate)
}

// relayable requires both ends to be roster participants and the
// target to be registered.
func (s *Service) relayable(senderID uuid.UUID, in *event.RTCSignal) bool {
	s.mu.Lock()
	sess, ok := s.byRoom[in.RoomID]
	if ok {
		_, senderIn := sess.peers[senderID]
		_, targetIn := sess.peers[in.TargetUserID]
		ok = senderIn && targetIn
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	_, online := s.registry.Lookup(in.TargetUserID)
	return online
}

func (s *Service) relayCandidate(senderID uuid.UUID, roomID string, targetID uuid.UUID, candidate json.RawMessage) {
	s.emitter.ToUser(targetID, event.Event{
		Type: event.OutRTCIce,
		Data: event.RTCSignalReceived{
			RoomID:     roomID,
			FromUserID: senderID,
			Candidate:  candidate,
		},
	})
}

func (s *Service) dropRelay(kind, roomID string, targetID uuid.UUID) {
	metrics.SignalingRelayDroppedTotal.WithLabelValues(kind).Inc()
	logger.Debug("group relay target unavailable, dropping payload",
		zap.String("kind", kind),
		zap.String("room_id", roomID),
		zap.String("target_user_id", targetID.String()))
}
