// Package sqlite implements the projector storage contracts on SQLite.
//
// One database holds the append-only event log, the stream metadata, the
// shard progress table, the rebuild work table, dead letters, and one
// doc_<alias> table per projection. Document batches run in a single
// transaction so checkpoint writes always commit together with the document
// mutations they cover.
package sqlite
