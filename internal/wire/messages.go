package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TerminateCommand ends a session when sent by either client role.
const TerminateCommand = "terminate"

// SubscriberRejectNotice answers any application message sent by a subscriber.
const SubscriberRejectNotice = "Subscribers cannot send messages. Only publishers can send messages."

const (
	broadcastFormat = "[FROM PUBLISHER %s on %s]: %s"
	ackFormat       = "%s - Message '%s' sent to %d subscribers"
)

// maxCountDigits is the widest delivery count an acknowledgement can carry.
var maxCountDigits = len(strconv.Itoa(math.MaxInt))

// IsTerminate reports whether msg is the terminate control message.
func IsTerminate(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), TerminateCommand)
}

// FormatBroadcast renders a message as delivered to subscribers.
func FormatBroadcast(publisher, topic, message string) string {
	return fmt.Sprintf(broadcastFormat, publisher, topic, message)
}

// BroadcastLen is len(FormatBroadcast(publisher, topic, m)) for a message m
// of messageLen bytes, computed without building it.
func BroadcastLen(publisher, topic string, messageLen int) int {
	return len(broadcastFormat) - 3*len("%s") + len(publisher) + len(topic) + messageLen
}

// FormatAck renders the acknowledgement returned to a publisher after fan-out.
func FormatAck(topic, message string, delivered int) string {
	return fmt.Sprintf(ackFormat, topic, message, delivered)
}

// MaxAckLen bounds len(FormatAck(topic, m, n)) for any non-negative n and a
// message m of messageLen bytes.
func MaxAckLen(topic string, messageLen int) int {
	return len(ackFormat) - 3*len("%s") + len(topic) + messageLen + maxCountDigits
}

// FormatTooLarge tells a publisher its message was not distributed because
// the resulting frames would exceed limit bytes.
func FormatTooLarge(limit int) string {
	return fmt.Sprintf("Message too large: broadcast and acknowledgement must fit in %d bytes. Message not sent.", limit)
}
