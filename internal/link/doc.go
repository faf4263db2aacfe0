// Package link owns reliable peer-to-peer delivery.
//
// Ownership boundary:
// - timestamp allocation and session epoch fencing
// - per-channel delivery queues and the single state slot
// - drain/ack/retry reconciliation against a Transport
// - inbound classification, dedup and handler dispatch
//
// Delivery guarantees:
// - at most one acknowledged entry in flight per channel
// - every OnAck/OnError fires exactly once unless the entry is flushed
// - an acknowledgment for timestamp T also confirms every earlier entry in the
//   same channel; the transport must deliver in order and only lose
//   confirmations, never payloads
//
// Transport bring-up, lifecycle notifications and host bridges live outside
// this package and talk to it through Transport and Receiver.
package link
