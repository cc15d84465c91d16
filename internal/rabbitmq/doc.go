// Package rabbitmq wraps amqp091-go for the gateway's AMQP transport.
//
// This package includes:
//   - Connection: dials the broker within a context deadline and reports
//     connection loss
//   - ChannelPool: reuses channels in publisher-confirm mode
//   - Publisher: publishes one message and waits for the broker's confirm
//   - Consumer: runs a dedicated channel per subscription with manual acks
//
// Reconnection policy lives in messaging.ConnectionManager, not here.
package rabbitmq
