// Package gateway implements the client side of the runtime gateway socket
// protocol: a challenge-gated connect handshake, request/response
// multiplexing over request IDs, and server-pushed events with sequence
// tracking.
package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only protocol revision this client speaks; it is
// offered as both the minimum and maximum during connect.
const ProtocolVersion = 3

// Reserved event names with defined meaning. Anything else is passed through
// to the event callback untouched.
const (
	EventChallenge = "connect.challenge"
	EventTick      = "tick"
	EventHealth    = "health"
	EventAgent     = "agent"
	EventShutdown  = "shutdown"
)

// frame is the wire envelope. Type discriminates which fields are
// meaningful: "req" uses id/method/params, "res" uses id/ok/payload/error,
// "event" uses event/payload/seq.
type frame struct {
	Type string `json:"type"`

	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Params any    `json:"params,omitempty"`

	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// RPCError is a server-reported method failure, scoped to the one call that
// triggered it.
type RPCError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return "gateway: " + e.Message
}

// Event is a server-pushed notification delivered to the event callback.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     int64
}

// ClientInfo identifies this client to the gateway during connect.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
	Auth        *connectAuth `json:"auth,omitempty"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}
