// Package alert forwards job failures to an operator channel.
//
// The service listens on the event bus for job.failed and job.dropped,
// turns each into a short message and hands it to a Sender. Delivery is
// asynchronous: a small queue, one worker, a token bucket and retry with
// backoff. Identical alerts (same job and error) inside DedupWindow are
// suppressed; with a Store the suppression survives restarts.
package alert
