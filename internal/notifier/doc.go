// Package notifier delivers room notices for the door pipeline.
//
// Service.Send is the pipeline's notification sink. By default it delivers
// inline: the caller waits for the chat network, and a failure comes back as
// the return value. With Async enabled, Send only enqueues and a small worker
// pool delivers in the background.
//
// # Delivery policy
//
// Every delivery goes through a shared token-bucket limiter and a per-room
// circuit breaker. Retries are off by default (RetryMax=0): a failed notice
// is logged and dropped.
//
// # History
//
// For operator visibility (/status), the service keeps a small in-memory
// history of recently delivered notices.
package notifier
