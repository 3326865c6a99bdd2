package call

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/event"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// Relay is fire-and-forget: an unregistered target drops the payload
// with a log, never an error back to the sender. The call state
// machine's own accept/reject/end/timeout signals are the recovery
// path, not retried delivery.

// RelayDescription forwards an SDP offer or answer to the target user
// and then flushes any ICE candidates that were queued for the pair.
// outType is OutRTCOffer or OutRTCAnswer.
func (s *Service) RelayDescription(senderID uuid.UUID, in *event.RTCSignal, outType string) {
	if _, online := s.registry.Lookup(in.TargetUserID); !online {
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

	// The remote description is on the wire for this pair; drain the
	// queue exactly once and relay the held candidates in arrival
	// order behind it.
	for _, candidate := range s.candidates.Release(in.RoomID, senderID, in.TargetUserID) {
		s.relayCandidate(senderID, in.RoomID, in.TargetUserID, candidate)
	}
}

// RelayCandidate forwards an ICE candidate, buffering it while the
// pair's session description has not been relayed yet.
func (s *Service) RelayCandidate(senderID uuid.UUID, in *event.RTCSignal) {
	if _, online := s.registry.Lookup(in.TargetUserID); !online {
		s.dropRelay(event.OutRTCIce, in.RoomID, in.TargetUserID)
		return
	}

	if s.candidates.Hold(in.RoomID, senderID, in.TargetUserID, in.Candidate) {
		return
	}

	s.relayCandidate(senderID, in.RoomID, in.TargetUserID, in.Candidate)
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
	logger.Debug("relay target not registered, dropping payload",
		zap.String("kind", kind),
		zap.String("room_id", roomID),
		zap.String("target_user_id", targetID.String()))
}
