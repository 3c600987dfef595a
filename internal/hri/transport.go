package hri

// Transport is the narrow interface the registry consumes from the transport
// layer. Implementations deliver the JSON payload of every message published
// on a topic to each subscriber. The snapshot topics
// (humans/{faces,bodies,voices,persons}/tracked) carry full-state IDList
// payloads; per-entity detail topics carry feature-specific payloads.
//
// Subscribe must not block and must return a channel that is closed on
// Unsubscribe. Delivery failures (disconnects, malformed envelopes) stay in
// the transport layer: the registry simply does not receive a message and its
// state remains the last-known-good reconciliation.
type Transport interface {
	// Subscribe registers interest in a topic and returns a subscription ID
	// together with the payload channel.
	Subscribe(topic string) (string, <-chan string)
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(topic string, id string)
}

// IDList is the payload of a tracked-ID snapshot: the complete, unordered set
// of IDs currently tracked for one feature type. Each snapshot supersedes the
// previous one; the wire contract is full-state, never deltas.
type IDList struct {
	IDs []ID `json:"ids"`
}
