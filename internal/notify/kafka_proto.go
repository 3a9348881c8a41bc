package notify

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// marshalAttackEventProto encodes ev as a protobuf-wire-format
// google.protobuf.Struct, the schemaless encoding used when no
// attack-event-specific .proto message has been generated for this
// exporter. Consumers that want strong typing can instead subscribe to
// the JSON topic variant.
func marshalAttackEventProto(ev attackEvent) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"event":        ev.Event,
		"uuid":         ev.UUID,
		"host":         ev.Host,
		"host_group":   ev.HostGroup,
		"parent_group": ev.ParentGroup,
		"trigger_kind": ev.TriggerKind,
		"peak_rate":    ev.PeakRate,
		"severity":     ev.Severity,
		"first_seen":   ev.FirstSeen.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
