package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velora-app/callkit/internal/callui"
	"github.com/velora-app/callkit/internal/engine"
	"github.com/velora-app/callkit/internal/protocol"
	"github.com/velora-app/callkit/internal/signaling"
)

type CallController struct {
	adapter *callui.Adapter
}

func NewCallController(adapter *callui.Adapter) *CallController {
	return &CallController{adapter: adapter}
}

func (c *CallController) StartCall(ctx *gin.Context) {
	type StartCallRequest struct {
		RoomID       string `json:"room_id" binding:"required"`
		RemoteUserID string `json:"remote_user_id" binding:"required"`
	}
	var req StartCallRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	if err := c.adapter.StartCall(ctx.Request.Context(), req.RoomID, req.RemoteUserID); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "joining"})
}

func (c *CallController) AnswerCall(ctx *gin.Context) {
	type AnswerCallRequest struct {
		RoomID string `json:"room_id" binding:"required"`
	}
	var req AnswerCallRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	if err := c.adapter.AnswerCall(ctx.Request.Context(), req.RoomID); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "joining"})
}

func (c *CallController) EndCall(ctx *gin.Context) {
	if err := c.adapter.EndCall(); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (c *CallController) ToggleMute(ctx *gin.Context) {
	muted := c.adapter.ToggleMute()
	ctx.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (c *CallController) ToggleVideo(ctx *gin.Context) {
	type ToggleVideoRequest struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	var req ToggleVideoRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	if err := c.adapter.ToggleVideo(*req.Enabled); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"video_enabled": *req.Enabled})
}

func (c *CallController) RequestVideo(ctx *gin.Context) {
	if err := c.adapter.RequestVideo(); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "requested"})
}

func (c *CallController) AcceptVideo(ctx *gin.Context) {
	if err := c.adapter.AcceptVideo(); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (c *CallController) RejectVideo(ctx *gin.Context) {
	if err := c.adapter.RejectVideo(); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (c *CallController) SwitchCamera(ctx *gin.Context) {
	if err := c.adapter.SwitchCamera(); err != nil {
		ctx.JSON(callStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "switched"})
}

func (c *CallController) GetState(ctx *gin.Context) {
	state := c.adapter.RenderState(time.Now())

	resp := gin.H{
		"status":                state.Status,
		"duration":              state.Duration,
		"muted":                 state.IsMuted,
		"video_enabled":         state.IsVideoEnabled,
		"video_request_pending": state.VideoRequestPending,
		"front_camera":          state.IsFrontCamera,
		"connection_state":      state.ConnectionState,
		"can_cancel":            state.CanCancel,
	}
	if state.VideoRequestedBy != "" {
		resp["video_requested_by"] = state.VideoRequestedBy
	}
	if state.LastError != nil {
		resp["last_error"] = gin.H{
			"kind":    state.LastError.Kind,
			"message": state.LastError.Message,
		}
	}
	ctx.JSON(http.StatusOK, resp)
}

func callStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotRequester), errors.Is(err, protocol.ErrNotGatekeeper):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrRequestPending),
		errors.Is(err, protocol.ErrNoRequest),
		errors.Is(err, protocol.ErrVideoEnabled),
		errors.Is(err, signaling.ErrNotConnected),
		errors.Is(err, signaling.ErrNotInRoom):
		return http.StatusConflict
	case errors.Is(err, engine.ErrMediaUnavailable),
		errors.Is(err, engine.ErrMediaAccessDenied),
		errors.Is(err, engine.ErrNoCamera):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
