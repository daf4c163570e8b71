package realtime

import (
	"encoding/json"
	"fmt"
)

// Client and server frame commands
const (
	CommandConnect     = "CONNECT"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandDisconnect  = "DISCONNECT"

	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandError     = "ERROR"
)

// Frame is one JSON text message on the streaming channel
type Frame struct {
	Command     string            `json:"command"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// Header returns a header value, or ""
func (f Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// MessageFrame wraps payload for delivery on destination
func MessageFrame(destination string, payload any) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode payload for %s: %w", destination, err)
	}
	return Frame{Command: CommandMessage, Destination: destination, Body: body}, nil
}

// ErrorFrame reports a failed client frame. receipt echoes the client's
// receipt header when present.
func ErrorFrame(errType, message, receipt string) Frame {
	headers := map[string]string{"type": errType}
	if receipt != "" {
		headers["receipt-id"] = receipt
	}
	body, _ := json.Marshal(map[string]string{"error": message, "type": errType})
	return Frame{Command: CommandError, Headers: headers, Body: body}
}

// Encode serializes a frame for the wire
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a client frame
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("malformed frame: missing command")
	}
	return f, nil
}
