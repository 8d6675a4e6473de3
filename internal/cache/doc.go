// Package cache keeps synthesized utterances so that repeated lines (greetings,
// catch phrases) do not cost another backend round trip. A bounded in-memory
// LRU sits in front of a zstd-compressed directory on disk.
package cache
