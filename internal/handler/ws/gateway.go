package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/middleware"
	"meshtalk-backend/internal/service/call"
	"meshtalk-backend/internal/service/chat"
	"meshtalk-backend/internal/service/groupcall"
	"meshtalk-backend/internal/service/presence"
	"meshtalk-backend/pkg/errors"
	"meshtalk-backend/pkg/jwt"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// GroupDirectory resolves a user's group memberships so the gateway
// can subscribe announced connections to their group rooms.
type GroupDirectory interface {
	GroupIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Gateway authenticates WebSocket upgrades and dispatches inbound
// frames to the signaling services. One instance serves all
// connections.
type Gateway struct {
	hub        *Hub
	jwtManager *jwt.JWTManager
	revocation middleware.RevocationChecker

	presence   *presence.Service
	chat       *chat.Service
	calls      *call.Service
	groupCalls *groupcall.Service
	groups     GroupDirectory
}

// NewGateway creates a new gateway. revocation may be nil when no
// Redis is configured.
func NewGateway(
	hub *Hub,
	jwtManager *jwt.JWTManager,
	revocation middleware.RevocationChecker,
	presenceSvc *presence.Service,
	chatSvc *chat.Service,
	callSvc *call.Service,
	groupCallSvc *groupcall.Service,
	groups GroupDirectory,
) *Gateway {
	return &Gateway{
		hub:        hub,
		jwtManager: jwtManager,
		revocation: revocation,
		presence:   presenceSvc,
		chat:       chatSvc,
		calls:      callSvc,
		groupCalls: groupCallSvc,
		groups:     groups,
	}
}

// ServeWS handles WebSocket upgrade requests. Browsers cannot set
// headers on WebSocket requests, so the token is accepted from the
// "token" query parameter as well as the Authorization header.
func (g *Gateway) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case g.hub.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", g.hub.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	upgraded := false
	defer func() {
		if !upgraded {
			<-g.hub.semaphore
		}
	}()

	tokenString := c.Query("token")
	if tokenString == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}

	claims, err := g.jwtManager.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	if g.revocation != nil {
		// Fail-open when the revocation store is unavailable
		if revoked, err := g.revocation.IsTokenRevoked(c.Request.Context(), tokenString); err == nil && revoked {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token revoked"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", claims.UserID.String()),
			zap.Error(err))
		return
	}

	client := &Client{
		hub:      g.hub,
		gateway:  g,
		conn:     conn,
		send:     make(chan []byte, 256),
		connID:   uuid.New().String(),
		userID:   claims.UserID,
		username: claims.Username,
	}

	g.hub.add(client)
	metrics.SignalingConnectionsActive.Inc()
	upgraded = true

	go client.writePump()
	go client.readPump()
}

// dispatch routes one inbound frame. Every event type in the protocol
// has a case here; anything else is counted and dropped.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.sendError(c, errors.ErrCodeValidation, "malformed frame")
		return
	}

	metrics.SignalingEventsInTotal.WithLabelValues(env.Type).Inc()

	ctx := context.Background()

	if env.Type == event.InIdentityAnnounce {
		g.handleAnnounce(ctx, c)
		return
	}

	// Everything else requires an announced identity.
	if !c.announced {
		g.sendError(c, errors.ErrCodeUnauthorized, "identity not announced")
		return
	}

	switch env.Type {
	case event.InMessageSend:
		var in event.MessageSend
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.chat.Send(ctx, c.userID, c.connID, &in)

	case event.InPresenceQueryFriends:
		g.presence.QueryFriendsOnline(ctx, c.userID, c.connID)

	case event.InCallRequest:
		var in event.CallRequest
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.calls.Request(ctx, c.userID, c.connID, &in)

	case event.InCallAccept:
		var in event.CallAnswer
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.calls.Accept(ctx, c.userID, c.connID, &in)

	case event.InCallReject:
		var in event.CallAnswer
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.calls.Reject(ctx, c.userID, c.connID, &in)

	case event.InCallConnected:
		var in event.CallConnected
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.calls.Connected(ctx, c.userID, &in)

	case event.InCallEnd:
		var in event.CallEnd
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.calls.End(ctx, c.userID, c.connID, &in)

	case event.InRTCOffer:
		g.relay(c, env.Data, event.OutRTCOffer)

	case event.InRTCAnswer:
		g.relay(c, env.Data, event.OutRTCAnswer)

	case event.InRTCIce:
		var in event.RTCSignal
		if !g.decode(c, env.Data, &in) {
			return
		}
		if g.groupCalls.HasRoom(in.RoomID) {
			g.groupCalls.RelayCandidate(c.userID, &in)
		} else {
			g.calls.RelayCandidate(c.userID, &in)
		}

	case event.InGroupCallRequest:
		var in event.GroupCallRequest
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.groupCalls.Request(ctx, c.userID, c.connID, &in)

	case event.InGroupCallJoin:
		var in event.GroupCallMember
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.groupCalls.Join(ctx, c.userID, c.connID, &in)

	case event.InGroupCallLeave:
		var in event.GroupCallMember
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.groupCalls.Leave(ctx, c.userID, c.connID, &in)

	case event.InGroupCallEnd:
		var in event.GroupCallEnd
		if !g.decode(c, env.Data, &in) {
			return
		}
		g.groupCalls.End(ctx, c.userID, c.connID, &in)

	default:
		metrics.SignalingUnknownEventTotal.Inc()
		logger.Debug("unknown event type, dropping frame",
			zap.String("type", env.Type),
			zap.String("conn_id", c.connID))
	}
}

// relay routes an SDP frame to whichever coordinator owns the room.
// 1:1 rooms are not tracked by the mesh coordinator, so it is asked
// first.
func (g *Gateway) relay(c *Client, data json.RawMessage, outType string) {
	var in event.RTCSignal
	if !g.decode(c, data, &in) {
		return
	}
	if g.groupCalls.HasRoom(in.RoomID) {
		g.groupCalls.RelayDescription(c.userID, &in, outType)
	} else {
		g.calls.RelayDescription(c.userID, &in, outType)
	}
}

// handleAnnounce binds the connection to its authenticated identity:
// registry entry, per-user room, group rooms, presence fan-out. A
// repeat announce on the same connection re-runs registration, which
// the registry treats as a no-op.
func (g *Gateway) handleAnnounce(ctx context.Context, c *Client) {
	evicted, hadPrev := g.presence.HandleAnnounce(ctx, c.userID, c.connID)
	if hadPrev && evicted != "" && evicted != c.connID {
		logger.Info("closing superseded connection",
			zap.String("user_id", c.userID.String()),
			zap.String("evicted_conn_id", evicted))
		g.hub.CloseConn(evicted)
	}

	g.hub.JoinRoom(c.connID, UserRoom(c.userID))

	groupIDs, err := g.groups.GroupIDsOf(ctx, c.userID)
	if err != nil {
		// Messages to these groups will miss this connection until it
		// reconnects; presence and direct traffic still work.
		logger.Warn("group membership lookup failed",
			zap.String("user_id", c.userID.String()),
			zap.Error(err))
	}
	for _, groupID := range groupIDs {
		g.hub.JoinRoom(c.connID, chat.GroupRoom(groupID))
	}

	c.announced = true
}

// handleDisconnect tears down everything the connection touched, in
// dependency order: calls synthesize their hangup events while the
// registry still knows the user, presence unregisters last.
func (g *Gateway) handleDisconnect(c *Client) {
	ctx := context.Background()

	if c.announced {
		g.calls.HandleDisconnect(ctx, c.connID)
		g.groupCalls.HandleDisconnect(ctx, c.connID)
		g.presence.HandleDisconnect(ctx, c.connID)
	}

	g.hub.remove(c.connID)
}

func (g *Gateway) decode(c *Client, data json.RawMessage, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		g.sendError(c, errors.ErrCodeValidation, "malformed payload")
		return false
	}
	return true
}

func (g *Gateway) sendError(c *Client, code errors.ErrorCode, message string) {
	g.hub.ToConn(c.connID, event.Event{
		Type: event.OutError,
		Data: event.ErrorPayload{Code: string(code), Message: message},
	})
}
