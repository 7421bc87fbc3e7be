package request

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/dispatch"
	"github.com/jkalala/bloodlink/internal/rabbitmq/queue"
	"github.com/jkalala/bloodlink/internal/service/emergency"
)

type emergencyService interface {
	OnRequestCreated(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (dispatch.Report, error)
}

// Handler drives the matching pipeline for consumed request events.
type Handler struct {
	service emergencyService
}

func NewHandler(svc emergencyService) *Handler {
	return &Handler{
		service: svc,
	}
}

// HandleMessage runs the pipeline for one request event, retrying the whole
// run with backoff. Invalid requests are never retried; an exhausted event is
// left for the dead letter queue.
func (h *Handler) HandleMessage(ctx context.Context, msg queue.RequestCreatedMessage, strategy retry.Strategy) {
	attempt := 0
	currentDelay := strategy.Delay

	for attempt < strategy.Attempts {
		report, err := h.service.OnRequestCreated(ctx, strategy, msg.RequestID)
		if err == nil {
			zlog.Logger.Printf("request %s processed, %d donors notified", msg.RequestID, len(report.Deliveries))
			return
		}

		if errors.Is(err, emergency.ErrInvalidRequest) {
			zlog.Logger.Printf("request %s rejected, not retrying: %v", msg.RequestID, err)
			return
		}

		attempt++
		zlog.Logger.Printf("failed to process request %s: %v, retry %d/%d",
			msg.RequestID, err, attempt, strategy.Attempts,
		)

		time.Sleep(currentDelay)
		currentDelay = time.Duration(float64(currentDelay) * strategy.Backoff)
	}

	zlog.Logger.Printf("request %s failed after %d attempts, moving to DLQ", msg.RequestID, attempt)
}
