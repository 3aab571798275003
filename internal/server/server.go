// Package server implements the Server Dispatcher: a single listening UDP
// endpoint that classifies the first packet of each session by opcode and
// routes it to the matching session handler, which then owns the socket
// until its session terminates.
package server

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/internal/metrics"
	"github.com/holtby/stftp/internal/store"
	"github.com/holtby/stftp/pkg/session"
	"github.com/holtby/stftp/pkg/wire"
)

// idlePollInterval bounds how long a blocking ReadFrom can run before the
// dispatcher checks for a shutdown request, mirroring the teacher
// portmapper's periodic-deadline shutdown pattern.
const idlePollInterval = 500 * time.Millisecond

// Server binds one UDP endpoint and serially dispatches sessions to it.
type Server struct {
	conn    net.PacketConn
	store   *store.Store
	cfg     session.Config
	metrics *metrics.Metrics

	shutdown chan struct{}
}

// New binds addr (e.g. ":69") and returns a Server ready to Serve. m is
// threaded into cfg.Metrics so the session handlers it dispatches to record
// retries and bytes transferred under the same collector the dispatcher
// records session outcomes to.
func New(addr string, st *store.Store, cfg session.Config, m *metrics.Metrics) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	cfg.Metrics = m
	return &Server{
		conn:     conn,
		store:    st,
		cfg:      cfg,
		metrics:  m,
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the endpoint's bound local address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close unblocks Serve and releases the socket.
func (s *Server) Close() error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	return s.conn.Close()
}

// Serve runs the receive loop until Close is called. Per the single-session
// model, it blocks for the full duration of each dispatched session before
// returning to ReadFrom.
func (s *Server) Serve() error {
	buf := make([]byte, wire.MaxDatagramSize)

	for {
		select {
		case <-s.shutdown:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(idlePollInterval)); err != nil {
			return err
		}

		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return nil
			default:
				return err
			}
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			logger.Debug("server: malformed datagram, ignoring", "peer", peer.String(), "error", err)
			s.conn.WriteTo(wire.EncodeError(wire.ErrUndefined, "unknown opcode"), peer)
			continue
		}

		req, ok := pkt.(*wire.RequestPacket)
		if !ok {
			logger.Debug("server: unexpected opcode as session opener", "opcode", pkt.Opcode(), "peer", peer.String())
			s.conn.WriteTo(wire.EncodeError(wire.ErrUndefined, "unknown opcode"), peer)
			continue
		}

		s.dispatch(req, peer)
	}
}

func (s *Server) dispatch(req *wire.RequestPacket, peer net.Addr) {
	sessionID := uuid.New().String()
	log := logger.With("session_id", sessionID, "peer", peer.String(), "filename", req.Filename)

	start := time.Now()
	log.Debug("server: session starting", "opcode", req.Op.String())
	role, err := s.route(req, peer)
	outcome := "success"
	if err != nil {
		outcome = "failed"
		log.Warn("server: session failed", "role", role, "error", err)
	} else {
		log.Info("server: session completed", "role", role)
	}
	s.metrics.RecordSession(role, outcome, time.Since(start).Seconds())
}

func (s *Server) route(req *wire.RequestPacket, peer net.Addr) (role string, err error) {
	switch req.Op {
	case wire.OpWRQ:
		return "upload", session.HandleWRQ(s.conn, peer, req, s.store, s.cfg)
	case wire.OpRRQ:
		return "download", session.HandleRRQ(s.conn, peer, req, s.store, s.cfg)
	case wire.OpDelete:
		return "delete", session.HandleDelete(s.conn, peer, req, s.store)
	default:
		s.conn.WriteTo(wire.EncodeError(wire.ErrUndefined, "unsupported request opcode"), peer)
		return "unknown", wire.ErrUnknownOpcode
	}
}
