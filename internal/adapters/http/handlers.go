package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Radio/internal/app/radio"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	node Radio
}

type connectRequest struct {
	Callsign string `json:"callsign"`
	Channel  *int   `json:"channel"`
}

type channelRequest struct {
	Channel *int `json:"channel"`
}

type textRequest struct {
	Body string `json:"body"`
}

type channelView struct {
	Index domain.ChannelIndex `json:"index"`
	domain.Channel
}

type statusResponse struct {
	radio.Status
	Remembered *remembered `json:"remembered,omitempty"`
}

// remembered holds what the operator last connected with in this browser.
type remembered struct {
	Callsign string `json:"callsign"`
	Channel  int    `json:"channel"`
}

type fanoutResponse struct {
	Offered []domain.ParticipantID          `json:"offered"`
	Failed  map[domain.ParticipantID]string `json:"failed,omitempty"`
}

var errBadRequest = errors.New("malformed request")

// statusCode maps node errors: validation 400, state 409, dependencies 502.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrCallsignEmpty),
		errors.Is(err, domain.ErrCallsignTooLong),
		errors.Is(err, domain.ErrUnknownChannel),
		errors.Is(err, domain.ErrMessageEmpty),
		errors.Is(err, domain.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, radio.ErrNotConnected),
		errors.Is(err, radio.ErrAlreadyConnected),
		errors.Is(err, radio.ErrConnecting),
		errors.Is(err, radio.ErrNotIdle),
		errors.Is(err, radio.ErrNotTransmitting),
		errors.Is(err, radio.ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, radio.ErrRelay),
		errors.Is(err, radio.ErrCaptureUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusCode(err)
	ev := log.Warn()
	if code >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("module", "adapters.http").
		Str("operator", c.GetString(operatorKey)).
		Str("path", c.FullPath()).
		Int("code", code).
		Msg("request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *handlers) channels(c *gin.Context) {
	chs := domain.Channels()
	out := make([]channelView, len(chs))
	for i, ch := range chs {
		out[i] = channelView{Index: domain.ChannelIndex(i), Channel: ch}
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) status(c *gin.Context) {
	resp := statusResponse{Status: h.node.Status()}
	sess := sessions.Default(c)
	if cs, ok := sess.Get("callsign").(string); ok {
		ch, _ := sess.Get("channel").(int)
		resp.Remembered = &remembered{Callsign: cs, Channel: ch}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) members(c *gin.Context) {
	members := h.node.Members()
	if members == nil {
		members = []domain.Participant{}
	}
	c.JSON(http.StatusOK, members)
}

func (h *handlers) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == nil {
		fail(c, errBadRequest)
		return
	}
	if err := h.node.Connect(c.Request.Context(), req.Callsign, domain.ChannelIndex(*req.Channel)); err != nil {
		fail(c, err)
		return
	}
	st := h.node.Status()
	h.remember(c, st.Callsign, int(st.Channel))
	c.JSON(http.StatusOK, st)
}

func (h *handlers) changeChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == nil {
		fail(c, errBadRequest)
		return
	}
	if err := h.node.ChangeChannel(c.Request.Context(), domain.ChannelIndex(*req.Channel)); err != nil {
		fail(c, err)
		return
	}
	st := h.node.Status()
	h.remember(c, st.Callsign, int(st.Channel))
	c.JSON(http.StatusOK, st)
}

func (h *handlers) startTransmit(c *gin.Context) {
	res, err := h.node.StartTransmit(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	resp := fanoutResponse{Offered: res.Offered}
	if resp.Offered == nil {
		resp.Offered = []domain.ParticipantID{}
	}
	if len(res.Failed) > 0 {
		resp.Failed = make(map[domain.ParticipantID]string, len(res.Failed))
		for id, err := range res.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) stopTransmit(c *gin.Context) {
	if err := h.node.StopTransmit(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.node.Status())
}

func (h *handlers) disconnect(c *gin.Context) {
	if err := h.node.Disconnect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.node.Status())
}

func (h *handlers) messages(c *gin.Context) {
	msgs, err := h.node.Messages(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handlers) sendText(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errBadRequest)
		return
	}
	msg, err := h.node.SendText(c.Request.Context(), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) remember(c *gin.Context, callsign string, channel int) {
	sess := sessions.Default(c)
	sess.Set("callsign", callsign)
	sess.Set("channel", channel)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
}
