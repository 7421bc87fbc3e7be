// Package inbound receives donor SMS replies from the Twilio webhook.
package inbound

import (
	"context"
	"net/http"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/api/dto"
	"github.com/jkalala/bloodlink/internal/intake"
	"github.com/jkalala/bloodlink/pkg/phone"
)

// emptyTwiML tells Twilio not to send an automatic reply; confirmations go
// out through the normal send path.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type replyService interface {
	OnInboundReply(ctx context.Context, fromPhone, body string) (intake.Result, error)
}

type Handler struct {
	service replyService
}

func NewHandler(s replyService) *Handler {
	return &Handler{service: s}
}

// Receive handles one webhook delivery. Twilio retries on non-2xx, so intake
// failures still return 200 after being logged; a retried webhook would hit
// the same failure again.
func (h *Handler) Receive(c *ginext.Context) {
	var form dto.InboundSMS
	if err := c.ShouldBind(&form); err != nil {
		zlog.Logger.Warn().Err(err).Msg("inbound sms without From field")
		c.Data(http.StatusBadRequest, "text/xml", []byte(emptyTwiML))
		return
	}

	res, err := h.service.OnInboundReply(c.Request.Context(), form.From, form.Body)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("from", phone.Mask(form.From)).Msg("failed to process inbound reply")
		c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
		return
	}

	zlog.Logger.Info().
		Str("from", phone.Mask(form.From)).
		Str("carrier", phone.Carrier(form.From)).
		Str("outcome", string(res.Outcome)).
		Msg("inbound reply processed")

	c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
}
