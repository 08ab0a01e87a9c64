// Package daemon runs asynchronous projection shards.
//
// Each shard is driven by an Agent: a single command goroutine that tracks
// the high-water mark and the last committed sequence and decides when to
// fetch the next page. Fetched pages flow through a two-stage Execution
// pipeline (group, then build and commit) over bounded channels, so pages of
// one shard always commit in sequence order while different shards progress
// independently. The Daemon owns the high-water detector, the shard registry
// and the notification Hub.
package daemon
