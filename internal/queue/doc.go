// Package queue sequences utterances for playback.
// Synthesis of every queued utterance starts as soon as it is enqueued, while
// a single loop plays them back in strict enqueue order.
package queue
