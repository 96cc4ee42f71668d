// Package rabbitmq wraps amqp091-go with the pieces the retry transport needs:
// a self-healing connection, a pool of confirm-mode channels, a publisher that
// waits for broker confirms, a manual-ack consumer and idempotent topology
// declaration.
package rabbitmq
