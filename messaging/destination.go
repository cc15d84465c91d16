package messaging

import "strings"

const queuePrefix = "/queue/"

// QueueName maps a STOMP-style destination onto a bare queue name.
// "/queue/orders" and "/amq/queue/orders" both become "orders"; anything
// else is returned as is.
func QueueName(destination string) string {
	switch {
	case strings.HasPrefix(destination, queuePrefix):
		return strings.TrimPrefix(destination, queuePrefix)
	case strings.HasPrefix(destination, "/amq/queue/"):
		return strings.TrimPrefix(destination, "/amq/queue/")
	default:
		return destination
	}
}

// Destination turns a bare queue name into a "/queue/" destination.
// Values that already start with "/" are left untouched.
func Destination(name string) string {
	if name == "" || strings.HasPrefix(name, "/") {
		return name
	}
	return queuePrefix + name
}
