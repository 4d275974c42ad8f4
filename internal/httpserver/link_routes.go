package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/daqlink/internal/app"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
	"github.com/taoyao-code/daqlink/internal/protocol/scpi"
	"github.com/taoyao-code/daqlink/internal/stream"
)

// LinkAPI HTTP 接口所需的连接能力，*app.Link 满足该接口
type LinkAPI interface {
	Status() app.Status
	Send(cmd frame.Command) error
	ClearBuffer() error
}

// CommandRecorder 记录已入队的指令
type CommandRecorder func(ctx context.Context, cmd frame.Command) error

// Response 统一响应
type Response struct {
	Code      int    `json:"code"` // 0=成功
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

// CommandRequest 文本指令请求，args 按 SCPI 参数格式拼接
type CommandRequest struct {
	Text string `json:"text" binding:"required"`
	Args []any  `json:"args"`
}

type linkHandler struct {
	link     LinkAPI
	recorder CommandRecorder
	logger   *zap.Logger
}

func (h *linkHandler) respond(c *gin.Context, code int, message string, data any) {
	biz := 0
	if code >= http.StatusBadRequest {
		biz = code
	}
	c.JSON(code, Response{
		Code:      biz,
		Message:   message,
		Data:      data,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

// status GET /v1/link
func (h *linkHandler) status(c *gin.Context) {
	h.respond(c, http.StatusOK, "ok", h.link.Status())
}

// clearBuffer POST /v1/link/clear
func (h *linkHandler) clearBuffer(c *gin.Context) {
	if err := h.link.ClearBuffer(); err != nil {
		h.respond(c, statusFor(err), err.Error(), nil)
		return
	}
	h.respond(c, http.StatusOK, "buffer cleared", nil)
}

// sendCommand POST /v1/commands，入队即返回 202
func (h *linkHandler) sendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
		return
	}

	cmd := scpi.Commandf(req.Text, req.Args...)
	if _, err := cmd.Serialize(); err != nil {
		h.respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := h.link.Send(cmd); err != nil {
		h.respond(c, statusFor(err), err.Error(), nil)
		return
	}

	if h.recorder != nil {
		if err := h.recorder(c.Request.Context(), cmd); err != nil {
			h.logger.Warn("record command failed", zap.String("command", cmd.Text), zap.Error(err))
		}
	}
	h.respond(c, http.StatusAccepted, "queued", gin.H{"command": cmd.Text})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrNotRunning), errors.Is(err, stream.ErrDisposed), errors.Is(err, stream.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrNilCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
