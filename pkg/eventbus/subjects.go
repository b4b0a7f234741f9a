package eventbus

// Default logical channel names.
const (
	// ChannelOrders carries OrderCreated and OrderCancelled.
	ChannelOrders = "orders"
	// ChannelPayments carries payment and shipping events.
	ChannelPayments = "payments"
)

// DeadLetterSuffix is appended to a channel name to form its broker-side dead-letter queue.
const DeadLetterSuffix = ".dlq"

// DeadLetterChannel returns the dead-letter queue name for channel.
func DeadLetterChannel(channel string) string {
	return sanitizeSegment(channel) + DeadLetterSuffix
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
