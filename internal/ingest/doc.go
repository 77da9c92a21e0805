// Package ingest carries signed submission envelopes from the HTTP edge to
// the aggregation service. Envelopes are validated synchronously by the API,
// wrapped in a Message and published to a queue. An Ingestor consumes the
// queue with a fixed pool of workers and hands decoded submissions to the
// service. Malformed messages are dropped and counted. Queue drivers exist
// for an in-process channel, Redis lists and RabbitMQ.
package ingest
