package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/model"
	"github.com/jkalala/bloodlink/internal/rabbitmq/queue"
)

type eventQueue interface {
	Consume(out chan<- queue.RequestCreatedMessage, strategy retry.Strategy) error
}

type messageHandler interface {
	HandleMessage(ctx context.Context, msg queue.RequestCreatedMessage, strategy retry.Strategy)
}

type statusReader interface {
	GetRequestStatus(context.Context, retry.Strategy, uuid.UUID) (model.RequestStatus, error)
}

// Pipeline consumes request-created events and fans them out to a pool of
// workers that run matching and dispatch.
type Pipeline struct {
	queue   eventQueue
	handler messageHandler
	service statusReader
}

func NewPipeline(q eventQueue, h messageHandler, s statusReader) *Pipeline {
	return &Pipeline{
		queue:   q,
		handler: h,
		service: s,
	}
}

func (p *Pipeline) Run(ctx context.Context, strategy retry.Strategy, workerCount int) {
	msgChan := make(chan queue.RequestCreatedMessage)

	go func() {
		if err := p.queue.Consume(msgChan, strategy); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to consume request events")
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(id int) {
			zlog.Logger.Printf("pipeline-worker-%d started", id)

			for {
				select {
				case <-ctx.Done():
					zlog.Logger.Printf("pipeline-worker-%d shutting down", id)
					return
				case msg := <-msgChan:
					status, err := p.service.GetRequestStatus(ctx, strategy, msg.RequestID)
					if err != nil {
						zlog.Logger.Printf("failed to get status for %s: %v", msg.RequestID, err)
						continue
					}

					if status != model.StatusPending {
						zlog.Logger.Printf("request %s is %s, skipping", msg.RequestID, status)
						continue
					}

					p.handler.HandleMessage(ctx, msg, strategy)
				}
			}
		}(i)
	}

	<-ctx.Done()
	zlog.Logger.Print("pipeline stopped")
}
