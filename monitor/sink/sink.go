/*
Package sink records alert events to an observability stream. The default
recorder writes structured log statements; when kafka brokers are configured
the events are additionally mirrored to a kafka topic.
*/
package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor"
)

// Recorder receives the observability events of the broadcaster: every alert
// event, and reading events that carry the triggered-alert flag. Normal
// telemetry stays out of the stream.
type Recorder interface {
	RecordAlert(ctx context.Context, alert monitor.Alert)
	RecordReading(ctx context.Context, reading monitor.Reading)
}

// LogRecorder records events as structured log statements.
type LogRecorder struct{}

// RecordAlert implements Recorder
func (LogRecorder) RecordAlert(ctx context.Context, alert monitor.Alert) {
	rlog := logger.WithDevice(logger.FromContext(ctx), alert.DeviceID)
	rlog.WithField("severity", alert.Severity).Warnf("alert %s: %s", alert.AlertType, alert.Message)
}

// RecordReading implements Recorder
func (LogRecorder) RecordReading(ctx context.Context, reading monitor.Reading) {
	rlog := logger.WithDevice(logger.FromContext(ctx), reading.DeviceID)
	rlog.Infof("reading with triggered alerts %v", reading.AlertTypes)
}

// KafkaRecorder mirrors events to a kafka topic, in addition to the log
// statements of the embedded LogRecorder.
type KafkaRecorder struct {
	LogRecorder
	writer *kafka.Writer
}

// Builder is a builder helper for the KafkaRecorder
type Builder struct {
	// Brokers is the list of kafka broker addresses. This is mandatory.
	Brokers []string
	// Topic is the kafka topic for alert events. This is mandatory.
	Topic string
}

// MustNewKafkaRecorder returns a new kafka recorder.
func MustNewKafkaRecorder(b *Builder) *KafkaRecorder {
	if len(b.Brokers) == 0 {
		panic("kafka brokers missing")
	}
	if len(b.Topic) == 0 {
		panic("kafka topic missing")
	}
	return &KafkaRecorder{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(b.Brokers...),
			Topic:        b.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Close closes the underlying kafka writer.
func (k *KafkaRecorder) Close() error {
	return k.writer.Close()
}

// RecordAlert implements Recorder
func (k *KafkaRecorder) RecordAlert(ctx context.Context, alert monitor.Alert) {
	k.LogRecorder.RecordAlert(ctx, alert)
	k.write(ctx, "device:alert", alert.DeviceID, alert)
}

// RecordReading implements Recorder
func (k *KafkaRecorder) RecordReading(ctx context.Context, reading monitor.Reading) {
	k.LogRecorder.RecordReading(ctx, reading)
	k.write(ctx, "sensor:data", reading.DeviceID, reading)
}

func (k *KafkaRecorder) write(ctx context.Context, kind string, deviceID string, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6201: cannot marshal event for kafka")
		return
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(deviceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6202: cannot write event to kafka")
	}
}
