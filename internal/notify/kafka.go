package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
)

// ExportFormat selects the wire encoding for exported attack events (spec
// §6: "kafka_traffic_export_format: json | protobuf").
type ExportFormat int

const (
	FormatJSON ExportFormat = iota
	FormatProtobuf
)

// kafkaBudget bounds each publish call (spec §5 hook budget).
const kafkaBudget = 2 * time.Second

// KafkaHook publishes attack lifecycle events to a Kafka topic. Grounded
// on netobserv-netobserv-agent's flow-export-to-Kafka precedent; this is
// the pack's clearest "agent exports derived events to Kafka" example.
type KafkaHook struct {
	writer *kafka.Writer
	format ExportFormat
}

// NewKafkaHook constructs a KafkaHook publishing to topic over brokers.
func NewKafkaHook(brokers []string, topic string, format ExportFormat) *KafkaHook {
	return &KafkaHook{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		format: format,
	}
}

// attackEvent is the exported wire shape for one lifecycle transition.
type attackEvent struct {
	Event       string    `json:"event"`
	UUID        string    `json:"uuid"`
	Host        string    `json:"host"`
	HostGroup   string    `json:"host_group"`
	ParentGroup string    `json:"parent_group,omitempty"`
	TriggerKind string    `json:"trigger_kind"`
	PeakRate    float64   `json:"peak_rate"`
	Severity    string    `json:"severity"`
	FirstSeen   time.Time `json:"first_seen"`
}

func newAttackEvent(event string, d attack.Details) attackEvent {
	return attackEvent{
		Event:       event,
		UUID:        d.UUID.String(),
		Host:        d.Host.String(),
		HostGroup:   d.HostGroup,
		ParentGroup: d.ParentGroup,
		TriggerKind: d.TriggerKind.String(),
		PeakRate:    d.PeakRate,
		Severity:    d.Severity.String(),
		FirstSeen:   d.FirstDetected,
	}
}

func (h *KafkaHook) publish(event string, d attack.Details) error {
	ev := newAttackEvent(event, d)

	var payload []byte
	var err error
	switch h.format {
	case FormatProtobuf:
		payload, err = marshalAttackEventProto(ev)
	default:
		payload, err = json.Marshal(ev)
	}
	if err != nil {
		return fmt.Errorf("encode attack event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaBudget)
	defer cancel()

	return h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Host),
		Value: payload,
	})
}

// OnAttackOnset publishes an "onset" event.
func (h *KafkaHook) OnAttackOnset(d attack.Details) error { return h.publish("onset", d) }

// OnAttackPeak publishes a "peak" event.
func (h *KafkaHook) OnAttackPeak(d attack.Details) error { return h.publish("peak", d) }

// OnAttackClear publishes a "clear" event.
func (h *KafkaHook) OnAttackClear(d attack.Details) error { return h.publish("clear", d) }

// Close releases the underlying Kafka writer's connections.
func (h *KafkaHook) Close() error {
	return h.writer.Close()
}
