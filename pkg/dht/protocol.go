package dht

import (
	"encoding/json"

	"github.com/distfs/distfs/pkg/peer"
)

// DatagramType names the `type` discriminant of the DHT datagram protocol.
type DatagramType string

const (
	TypePing      DatagramType = "PING"
	TypePong      DatagramType = "PONG"
	TypeFindNode  DatagramType = "FIND_NODE"
	TypeNodes     DatagramType = "NODES"
	TypeFindValue DatagramType = "FIND_VALUE"
	TypeValue     DatagramType = "VALUE"
	TypeStore     DatagramType = "STORE"
	TypeAck       DatagramType = "ACK"
)

// datagram is the exact wire shape: { txn, type, payload }.
type datagram struct {
	Txn     uint64          `json:"txn"`
	Type    DatagramType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// From identifies the sender so the responder can learn its address and
	// node id for routing-table maintenance.
	From peer.Handle `json:"from"`
}

type findNodePayload struct {
	TargetID peer.ID `json:"target_id"`
}

// nodesPayload carries a peer list. Lists too large for one datagram are
// fragmented at the application layer: each fragment is a self-contained
// NODES message for the same transaction, with More set on all but the
// last. Receivers unaware of More simply use the first fragment.
type nodesPayload struct {
	Handles []peer.Handle `json:"handles"`
	More    bool          `json:"more,omitempty"`
}

type findValuePayload struct {
	Key string `json:"key"`
}

type valuePayload struct {
	Value json.RawMessage `json:"value"`
}

type storePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTLMS int64           `json:"ttl_ms"`
}

type ackPayload struct {
	OK bool `json:"ok"`
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of JSON-safe fields;
		// marshalling cannot fail in practice.
		panic("dht: unmarshalable payload: " + err.Error())
	}
	return raw
}
