// Package dedupe provides a TTL cache of message ids so that duplicate
// deliveries of the same message are processed once.
package dedupe
