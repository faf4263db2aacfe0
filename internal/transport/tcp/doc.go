// Package tcp is a link.Transport over a framed TCP connection.
//
// Each side writes a JSON hello line, then both switch to TLV frames. A peer
// is reachable while a connection is up and activated once the first hello
// has been exchanged; activation never reverts. Interactive messages fail
// fast with link.ErrUnreachable when no connection exists; background and
// state envelopes wait in a spool.
package tcp
