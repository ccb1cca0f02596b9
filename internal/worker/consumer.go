package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailsched/scheduled-mailer/internal/queue"
)

var errDeliveriesClosed = errors.New("delivery channel closed by broker")

// setupConsumer starts consuming and returns the delivery channel.
// Prefetch is configured on the channel by the RabbitMQ client.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher reads deliveries and hands them to the pool until
// ctx is cancelled or the delivery channel closes. It returns errDeliveriesClosed
// in the latter case.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := parseDelivery(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting malformed delivery",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the dead letter exchange if one is bound
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &jobMessage{Delivery: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return nil
			}
		}
	}
}

func parseDelivery(body []byte) (queue.Delivery, error) {
	var msg queue.Delivery
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid json: %w", err)
	}
	if msg.JobID == "" {
		return msg, fmt.Errorf("job_id is required")
	}
	if msg.Token == "" {
		return msg, fmt.Errorf("token is required")
	}
	return msg, nil
}
