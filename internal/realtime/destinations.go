package realtime

import (
	"fmt"
	"strings"
)

// QueueOnline answers a client's presence request
const QueueOnline = "queue.online"

// ChatTopic carries a conversation's messages
func ChatTopic(requestID string) string { return "topic.chat." + requestID }

// TypingTopic carries a conversation's typing indicators
func TypingTopic(requestID string) string { return "topic.chat." + requestID + ".typing" }

// StatusTopic carries a help request's lifecycle events
func StatusTopic(requestID string) string { return "topic.request." + requestID + ".status" }

// DisconnectTopic announces that a user's last session closed
func DisconnectTopic(userID string) string { return "topic.user." + userID + ".disconnect" }

// UserQueue is a user's private delivery destination
func UserQueue(userID string) string { return "queue.messages." + userID }

// ReadReceiptQueue tells a sender their messages were read
func ReadReceiptQueue(userID string) string { return "queue.messages." + userID + ".read" }

// TopicKind classifies a subscribable topic
type TopicKind int

const (
	TopicChat TopicKind = iota + 1
	TopicTyping
	TopicStatus
	TopicDisconnect
)

// ParseTopic splits a subscription destination into its kind and the id it
// names (a help request id, or a user id for disconnect topics).
func ParseTopic(topic string) (TopicKind, string, error) {
	switch {
	case strings.HasPrefix(topic, "topic.chat.") && strings.HasSuffix(topic, ".typing"):
		return withID(TopicTyping, strings.TrimSuffix(strings.TrimPrefix(topic, "topic.chat."), ".typing"), topic)
	case strings.HasPrefix(topic, "topic.chat."):
		return withID(TopicChat, strings.TrimPrefix(topic, "topic.chat."), topic)
	case strings.HasPrefix(topic, "topic.request.") && strings.HasSuffix(topic, ".status"):
		return withID(TopicStatus, strings.TrimSuffix(strings.TrimPrefix(topic, "topic.request."), ".status"), topic)
	case strings.HasPrefix(topic, "topic.user.") && strings.HasSuffix(topic, ".disconnect"):
		return withID(TopicDisconnect, strings.TrimSuffix(strings.TrimPrefix(topic, "topic.user."), ".disconnect"), topic)
	default:
		return 0, "", fmt.Errorf("unknown topic %q", topic)
	}
}

// SendKind classifies a client SEND destination
type SendKind int

const (
	SendChat SendKind = iota + 1
	SendTyping
	SendRead
	SendOnline
	SendStatus
)

// ParseSend splits a SEND destination into its kind and help request id.
// user.online carries no id.
func ParseSend(destination string) (SendKind, string, error) {
	if destination == "user.online" {
		return SendOnline, "", nil
	}
	if strings.HasPrefix(destination, "request.") && strings.HasSuffix(destination, ".status") {
		return withID(SendStatus, strings.TrimSuffix(strings.TrimPrefix(destination, "request."), ".status"), destination)
	}
	if !strings.HasPrefix(destination, "chat.") {
		return 0, "", fmt.Errorf("unknown destination %q", destination)
	}

	rest := strings.TrimPrefix(destination, "chat.")
	i := strings.LastIndex(rest, ".")
	if i <= 0 {
		return 0, "", fmt.Errorf("unknown destination %q", destination)
	}
	id, action := rest[:i], rest[i+1:]
	switch action {
	case "send":
		return SendChat, id, nil
	case "typing":
		return SendTyping, id, nil
	case "read":
		return SendRead, id, nil
	default:
		return 0, "", fmt.Errorf("unknown destination %q", destination)
	}
}

func withID[K ~int](kind K, id, raw string) (K, string, error) {
	if id == "" || strings.ContainsAny(id, " \t") {
		return 0, "", fmt.Errorf("missing id in %q", raw)
	}
	return kind, id, nil
}
