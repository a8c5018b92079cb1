package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"

	"transcodeq/internal/models"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns an async publisher: Publish only queues the message,
// so an unreachable broker never stalls a job transition.
func NewKafkaPublisher(cfg models.KafkaConfig, logger *log.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			Completion:   deliveryLogger(logger),
			ErrorLogger:  logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
		},
	}
}

// deliveryLogger reports batches the writer gave up on.
func deliveryLogger(logger *log.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		keys := make([]string, len(msgs))
		for i, m := range msgs {
			keys[i] = string(m.Key)
		}
		logger.Warn("job events not delivered", "count", len(msgs), "job_ids", keys, "error", err)
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	const op = "events.KafkaPublisher.Publish"

	msg, err := encode(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Messages are keyed by job id so every event of one job lands on one partition in order.
func encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(ev.JobID), Value: value, Time: ev.At}, nil
}

func decode(msg kafka.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Value, &ev)
	return ev, err
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaWaker turns claimable-job events into wake-ups for a polling worker.
type KafkaWaker struct {
	reader messageReader
	wake   chan struct{}
	logger *log.Logger
}

func NewKafkaWaker(cfg models.KafkaConfig, logger *log.Logger) *KafkaWaker {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
		ErrorLogger: logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	})
	return newKafkaWaker(reader, logger)
}

func newKafkaWaker(reader messageReader, logger *log.Logger) *KafkaWaker {
	return &KafkaWaker{reader: reader, wake: make(chan struct{}, 1), logger: logger}
}

// C receives at most one pending wake-up; bursts collapse into one.
func (w *KafkaWaker) C() <-chan struct{} { return w.wake }

// Run reads until ctx is cancelled.
func (w *KafkaWaker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			w.logger.Warn("read job event", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(msg)
	}
}

func (w *KafkaWaker) handle(msg kafka.Message) {
	ev, err := decode(msg)
	if err != nil {
		w.logger.Warn("skip malformed job event", "offset", msg.Offset, "error", err)
		return
	}
	if !ev.Type.Wakes() {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
