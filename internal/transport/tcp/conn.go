package tcp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

// serve runs one connection from hello to close. It returns when the
// connection fails or the adapter stops.
func (a *Adapter) serve(conn net.Conn) error {
	if a.halt.ReqStop.IsClosed() {
		_ = conn.Close()
		return ErrClosed
	}
	reader, remote, err := a.handshake(conn)
	if err != nil {
		observability.RecordConnection(a.cfg.PeerID, "rejected")
		_ = conn.Close()
		return err
	}
	certID := ""
	if tc, ok := conn.(*tls.Conn); ok {
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			certID = session.PeerIdentityFromCert(certs[0])
		}
	}
	a.log.Info().
		Str("remote_peer", remote.PeerID).
		Str("remote_role", remote.Role).
		Int64("remote_session", remote.Session).
		Str("cert_identity", certID).
		Str("remote_addr", conn.RemoteAddr().String()).
		Msg("tcp.Adapter connected")
	observability.RecordConnection(a.cfg.PeerID, "established")

	prev, stale, first, err := a.install(conn, remote)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if prev != nil {
		_ = prev.Close()
		for ts, p := range stale {
			p.onError(fmt.Errorf("%w: ts=%d: connection replaced", link.ErrUnreachable, ts))
		}
	}
	if first {
		a.recv.ActivationChanged(true)
	}
	a.flush()
	a.markReachable(conn)

	err = a.readLoop(conn, reader)
	observability.RecordConnection(a.cfg.PeerID, "dropped")
	a.drop(conn, err)
	return err
}

func (a *Adapter) readLoop(conn net.Conn, reader *bufio.Reader) error {
	for {
		if dead := a.cfg.Session.SessionDeadAfter; dead > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(dead)); err != nil {
				return err
			}
		}
		f, err := frame.ReadFrame(reader, a.cfg.Limits)
		if err != nil {
			return err
		}
		env, err := session.DecodeEnvelope(f)
		if err != nil {
			a.log.Warn().
				Str("message_type", schema.Name(f.Header.MessageType)).
				Uint64("message_id", f.Header.MessageID).
				Err(err).
				Msg("tcp.Adapter undecodable frame")
			observability.RecordInboundDropped(a.cfg.PeerID, "undecodable")
			continue
		}
		if err := a.dispatch(conn, env); err != nil {
			return err
		}
	}
}

func (a *Adapter) dispatch(conn net.Conn, env session.Envelope) error {
	switch env.Kind {
	case schema.MsgHeartbeat:
	case schema.MsgReply:
		p, ok := a.takePending(env.Timestamp)
		if !ok {
			a.log.Debug().Int64("ts", env.Timestamp).Msg("tcp.Adapter reply for unknown send")
			return nil
		}
		p.onReply(link.Reply{Timestamp: env.Timestamp})
	case schema.MsgMessage:
		// The reply only confirms receipt, so it goes out before dispatch.
		if env.ExpectReply {
			f, err := session.EncodeEnvelope(session.Envelope{Kind: schema.MsgReply, Timestamp: env.Timestamp}, 0)
			if err != nil {
				return err
			}
			if err := a.write(conn, f); err != nil {
				return err
			}
		}
		a.recv.ReceiveMessage(link.Envelope{
			Timestamp: env.Timestamp,
			Session:   env.Session,
			Type:      env.Type,
			Body:      env.Body,
		})
	case schema.MsgBackground:
		a.recv.ReceiveBackground(link.BackgroundEnvelope{
			Meta: link.Meta{Ack: env.Ack, Timestamp: env.Timestamp, Session: env.Session},
			Type: env.Type,
			Body: env.Body,
		})
	case schema.MsgState:
		a.recv.ReceiveState(link.StateEnvelope{
			Meta: link.Meta{Ack: env.Ack, Timestamp: env.Timestamp, Session: env.Session},
			Body: env.Body,
		})
	default:
		a.log.Warn().Uint32("message_type", env.Kind).Msg("tcp.Adapter unexpected message type")
		observability.RecordInboundDropped(a.cfg.PeerID, "unexpected_kind")
	}
	return nil
}
