package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Routing holds the payload fields that cross a broker as headers.
type Routing struct {
	MessageType   string
	Action        string
	CorrelationID string
	Priority      string
}

// SplitWatermill lifts the routing headers out of a received message. The
// returned Metadata is a copy without them.
func SplitWatermill(md message.Metadata) (Routing, Metadata) {
	r := Routing{
		MessageType:   md.Get(KeyMessageType),
		Action:        md.Get(KeyAction),
		CorrelationID: md.Get(KeyCorrelationID),
		Priority:      md.Get(KeyPriority),
	}
	return r, Metadata(md).Without(KeyMessageType, KeyAction, KeyCorrelationID, KeyPriority)
}

// ToWatermill builds the header map of an outgoing message. Routing fields
// override same-named entries in md; empty ones are left out.
func ToWatermill(md Metadata, r Routing) message.Metadata {
	wm := make(message.Metadata, len(md)+4)
	for k, v := range md {
		wm[k] = v
	}
	for k, v := range map[string]string{
		KeyMessageType:   r.MessageType,
		KeyAction:        r.Action,
		KeyCorrelationID: r.CorrelationID,
		KeyPriority:      r.Priority,
	} {
		if v != "" {
			wm[k] = v
		}
	}
	return wm
}
