package signaling

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meshtalk-backend/internal/service/callrecord"
	"meshtalk-backend/internal/service/groupcall"
	"meshtalk-backend/internal/service/presence"
	"meshtalk-backend/pkg/pagination"
	"meshtalk-backend/pkg/response"
)

// Handler handles signaling-adjacent HTTP requests: call history,
// group call status, online snapshot
type Handler struct {
	records    *callrecord.Service
	groupCalls *groupcall.Service
	presence   *presence.Service
}

// NewHandler creates a new signaling handler
func NewHandler(records *callrecord.Service, groupCalls *groupcall.Service, presenceSvc *presence.Service) *Handler {
	return &Handler{
		records:    records,
		groupCalls: groupCalls,
		presence:   presenceSvc,
	}
}

// ListCalls returns the authenticated user's call history
// GET /v1/calls
func (h *Handler) ListCalls(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	records, total, err := h.records.ListHistory(c.Request.Context(), userID, params.Page, params.Limit)
	if err != nil {
		response.InternalError(c, "Failed to list call history")
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, total, records))
}

// GroupCallStatus returns the live call state for a group
// GET /v1/group-calls/:group_id/status
func (h *Handler) GroupCallStatus(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}

	groupID, err := uuid.Parse(c.Param("group_id"))
	if err != nil {
		response.ValidationError(c, "Invalid group ID")
		return
	}

	response.Success(c, http.StatusOK, h.groupCalls.Status(groupID))
}

// OnlineUsers returns the IDs of currently registered users
// GET /v1/presence/online
func (h *Handler) OnlineUsers(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}

	online := h.presence.OnlineSnapshot()
	response.Success(c, http.StatusOK, gin.H{
		"online_ids": online,
		"count":      len(online),
	})
}

// currentUserID pulls the authenticated user from the Gin context set
// by the auth middleware.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}

	return userID, true
}
