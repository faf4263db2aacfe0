// Package session owns peer-to-peer wire helpers shared by link transports.
//
// Ownership boundary:
// - hello handshake control line
// - link envelope <-> frame encoding, including body compression
// - dial backoff and TLS transport policy
// - spool for background and state transfers while disconnected
package session
