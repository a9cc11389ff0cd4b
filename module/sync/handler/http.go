package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"PSync/module/sync/diff"
	"PSync/module/sync/flow"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
	"PSync/tools/errs"
)

// Handler 同步接口的 HTTP 面（gin）。WebSocket 面在 service/gate。
type Handler struct {
	pipeline *flow.Pipeline
	reader   *diff.Reader
	st       store.Store
}

func New(pipeline *flow.Pipeline, reader *diff.Reader, st store.Store) *Handler {
	return &Handler{pipeline: pipeline, reader: reader, st: st}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/sync/submit", h.Submit)
	r.POST("/sync/difference", h.GetDifference)
	r.GET("/sync/channel_pts", h.ChannelPts)
	r.POST("/sync/channel_pts/batch", h.BatchChannelPts)
	r.POST("/sync/members/join", h.JoinChannel)
	r.POST("/sync/members/leave", h.LeaveChannel)
}

type submitReq struct {
	SenderID       string          `json:"sender_id" binding:"required"`
	ChannelID      string          `json:"channel_id" binding:"required"`
	LocalMessageID string          `json:"local_message_id" binding:"required"`
	EventType      string          `json:"event_type"`
	Content        json.RawMessage `json:"content"`
	LastKnownPts   int64           `json:"last_known_pts"`
}

type submitResp struct {
	ServerMsgID string `json:"server_msg_id"`
	Pts         int64  `json:"pts"`
	Decision    string `json:"decision"`
	HasGap      bool   `json:"has_gap"`
	CurrentPts  int64  `json:"current_pts"`
}

func (h *Handler) Submit(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	if req.EventType == "" {
		req.EventType = model.EventSend
	}
	res, err := h.pipeline.Submit(c.Request.Context(), &flow.SubmitInput{
		SenderID:       req.SenderID,
		ChannelID:      req.ChannelID,
		LocalMessageID: req.LocalMessageID,
		EventType:      req.EventType,
		Content:        req.Content,
		LastKnownPts:   req.LastKnownPts,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, submitResp{
		ServerMsgID: res.ServerMsgID,
		Pts:         res.Pts,
		Decision:    res.Decision,
		HasGap:      res.GapHint,
		CurrentPts:  res.CurrentPts,
	})
}

type differenceReq struct {
	ChannelID string `json:"channel_id" binding:"required"`
	KnownPts  int64  `json:"known_pts"`
	Limit     int    `json:"limit"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
}

type differenceResp struct {
	Entries    []*model.CommitEntry `json:"entries"`
	HasMore    bool                 `json:"has_more"`
	CurrentPts int64                `json:"current_pts"`
}

func (h *Handler) GetDifference(c *gin.Context) {
	var req differenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	res, err := h.reader.GetDifference(c.Request.Context(), &diff.DiffInput{
		ChannelID: req.ChannelID,
		KnownPts:  req.KnownPts,
		Limit:     req.Limit,
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	entries := res.Entries
	if entries == nil {
		entries = []*model.CommitEntry{}
	}
	c.JSON(http.StatusOK, differenceResp{
		Entries:    entries,
		HasMore:    res.HasMore,
		CurrentPts: res.CurrentPts,
	})
}

func (h *Handler) ChannelPts(c *gin.Context) {
	channelID := c.Query("channel_id")
	pts, err := h.reader.ChannelPts(c.Request.Context(), channelID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "current_pts": pts})
}

type batchPtsReq struct {
	ChannelIDs []string `json:"channel_ids" binding:"required"`
}

func (h *Handler) BatchChannelPts(c *gin.Context) {
	var req batchPtsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	m, err := h.reader.BatchChannelPts(c.Request.Context(), req.ChannelIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": m})
}

type memberReq struct {
	ChannelID string `json:"channel_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

func (h *Handler) JoinChannel(c *gin.Context) {
	var req memberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	if err := h.st.AddMember(c.Request.Context(), req.ChannelID, req.UserID); err != nil {
		fail(c, errs.ErrPersistence.WrapMsg("add member", "err", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) LeaveChannel(c *gin.Context) {
	var req memberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	if err := h.st.RemoveMember(c.Request.Context(), req.ChannelID, req.UserID); err != nil {
		fail(c, errs.ErrPersistence.WrapMsg("remove member", "err", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// fail 按错误码映射 HTTP 状态；CodeError 以外统一 500
func fail(c *gin.Context, err error) {
	code, msg := errs.ServerInternalError, "internal error"
	var ce *errs.CodeError
	if errors.As(errs.Unwrap(err), &ce) {
		code, msg = ce.Code, ce.Msg
	}
	c.JSON(httpStatus(code), gin.H{"code": code, "msg": msg})
}

func httpStatus(code int) int {
	switch code {
	case errs.InvalidArgumentCode, errs.InvalidSubmitCode:
		return http.StatusBadRequest
	case errs.PayloadMismatchCode:
		return http.StatusConflict
	case errs.AllocContentionCode:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
