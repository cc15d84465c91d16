// Package messaging defines the broker-neutral transport contract and the
// connection manager that owns a transport's lifecycle.
//
// A Transport moves opaque bodies to and from named destinations. The
// ConnectionManager connects it lazily, collapses concurrent connect calls
// into a single attempt bounded by a connect window, and reconnects in the
// background after an established connection is lost.
//
// Concrete transports live under transports/ (AMQP and STOMP). The
// messagingtest subpackage provides an in-memory Transport for tests.
package messaging
