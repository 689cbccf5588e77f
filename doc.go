// Package ackflow is a publish acknowledgement correlator built on Watermill.
// A Session owns one broker connection selected by Config (Kafka, RabbitMQ,
// AWS SNS/SQS, NATS, NATS JetStream, HTTP, I/O or Go Channels) and reports
// every send outcome, connection change and rejection as a SessionEvent.
//
// GuaranteedPublisher sits on top of a Session and hands each persistent
// message a correlation token. Broker acknowledgements may arrive in any order;
// the publisher releases outcomes strictly in submission order through
// PublishHooks, Prometheus counters and, optionally, an SQL journal. A minimal
// setup fills Config, opens a Session, creates a GuaranteedPublisher and
// calls Publish; examples/adpuback is a complete program.
//
// # Transports
//
// Only transports that confirm publishes asynchronously can back a
// GuaranteedPublisher. The remaining ones still serve direct messaging, flows
// and request/reply:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues with publisher confirms
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: Core NATS messaging
//   - jetstream: NATS JetStream with async publish acks
//   - http: Request/response messaging
//   - io: File-based persistence
//
// # Flows and request/reply
//
// Session.CreateFlow binds a MessageHandler to a topic with automatic or client
// acknowledgement; exclusive flows sharing a name fail over to one another.
// Requester and Replier correlate replies over a private inbox topic and run
// the replier through a Watermill router with the usual middleware chain.
package ackflow
