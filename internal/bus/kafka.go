package bus

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/rs/zerolog/log"
)

// kafkaWriter narrows kafkago.Writer down to the one method this package
// calls, mirroring the interface-wrapping idiom netobserv-ebpf-agent uses
// around kafkago in its exporter (kafkaWriter in kafka_proto.go).
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// kafkaReader narrows kafkago.Reader to what Subscribe needs.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaBus is the TaskBus durable backend. Workers subscribing with the same
// GroupID form a kafka consumer group, giving the required competing
// consumer semantics: each partition (and so each task) is delivered to
// exactly one live member of the group at a time, with redelivery on
// failure to commit.
type KafkaBus struct {
	Writer kafkaWriter
	Reader kafkaReader
}

// NewKafkaBus builds a KafkaBus writing to and reading from topic, with
// workers sharing groupID as a competing consumer group.
func NewKafkaBus(brokers []string, topic, groupID string) *KafkaBus {
	return &KafkaBus{
		Writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkago.LeastBytes{},
		},
		Reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
	}
}

func (b *KafkaBus) PublishSimulationTasks(ctx context.Context, jobID string, totalSims int) error {
	msgs := make([]kafkago.Message, 0, totalSims)
	for i := 0; i < totalSims; i++ {
		t := Task{JobID: jobID, SimID: fmt.Sprintf("sim_%03d", i), SimIndex: i, TotalSims: totalSims}
		val, err := json.Marshal(t)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(jobID), Value: val})
	}
	if err := b.Writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish simulation tasks: %w", err)
	}
	return nil
}

func (b *KafkaBus) PublishTask(ctx context.Context, t Task) error {
	val, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := b.Writer.WriteMessages(ctx, kafkago.Message{Key: []byte(t.JobID), Value: val}); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	for {
		msg, err := b.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("taskbus fetch failed")
			continue
		}
		var t Task
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			log.Error().Err(err).Msg("taskbus malformed message, dropping")
			_ = b.Reader.CommitMessages(ctx, msg)
			continue
		}
		if err := h(ctx, t); err != nil {
			// leave uncommitted; kafka redelivers on next fetch from the
			// same group after the consumer's session times out.
			log.Warn().Str("jobId", t.JobID).Str("simId", t.SimID).Err(err).Msg("taskbus handler failed, leaving unacked")
			continue
		}
		if err := b.Reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("taskbus commit failed")
		}
	}
}

func (b *KafkaBus) Close() error {
	var err error
	if w, ok := b.Writer.(*kafkago.Writer); ok {
		if e := w.Close(); e != nil {
			err = e
		}
	}
	if e := b.Reader.Close(); e != nil {
		err = e
	}
	return err
}
