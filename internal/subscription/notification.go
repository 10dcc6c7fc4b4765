// ABOUTME: Notification payload and MCP envelope pushed to resource subscribers
// ABOUTME: Defines the Callback signature every subscriber implements

package subscription

import "time"

// ProtocolVersion is the MCP protocol version stamped on every envelope.
const ProtocolVersion = "2025-11-25"

// MethodResourceUpdated is the JSON-RPC method for resource change pushes.
const MethodResourceUpdated = "notifications/resources/updated"

// Notification is delivered to subscribers when a resource changes.
type Notification struct {
	URI       string    `json:"uri"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the JSON-RPC notification frame sent to protocol clients.
type Envelope struct {
	JSONRPC         string       `json:"jsonrpc"`
	ProtocolVersion string       `json:"protocolVersion"`
	Method          string       `json:"method"`
	Params          Notification `json:"params"`
}

// Envelope wraps n in the notifications/resources/updated frame.
func (n Notification) Envelope() Envelope {
	return Envelope{
		JSONRPC:         "2.0",
		ProtocolVersion: ProtocolVersion,
		Method:          MethodResourceUpdated,
		Params:          n,
	}
}

// Callback receives notifications. A returned error is logged by the manager
// and otherwise ignored.
type Callback func(Notification) error
