// Package reliability implements the stop-and-wait send-with-retry and
// receive-with-duplicate-suppression primitives the session state machines
// in pkg/session are built on.
package reliability

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/pkg/wire"
)

// Config bounds one stop-and-wait exchange.
type Config struct {
	Timeout    time.Duration // per-recv timeout
	MaxRetries int           // total transmit attempts before giving up
}

// DefaultConfig returns the compiled-in defaults from spec.md §6:
// 5 retries, 3 second receive timeout.
func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second, MaxRetries: 5}
}

var (
	// ErrTransport wraps socket I/O failures and deadline errors.
	ErrTransport = errors.New("reliability: transport error")
	// ErrRetriesExhausted is returned when MaxRetries transmit attempts all
	// time out without a matching reply.
	ErrRetriesExhausted = errors.New("reliability: retry limit reached")
	// ErrPeerReported wraps an ERROR packet received from the peer.
	ErrPeerReported = errors.New("reliability: peer reported an error")
)

// PeerError carries the on-wire error code and message from an ERROR
// packet received while waiting for a reply.
type PeerError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

func (e *PeerError) Unwrap() error { return ErrPeerReported }

// Accept is called once per decoded packet received while awaiting a
// reply. Returning done=true ends the wait successfully with this packet.
// Returning a non-nil error aborts the wait (used for ERROR packets).
// Returning done=false, err=nil keeps waiting within the same attempt
// (used for ACKs of the wrong block, or packets the caller doesn't care
// about) without consuming a retry.
type Accept func(pkt wire.Packet) (done bool, err error)

// AckAccept returns an Accept that completes when an ACK for wantBlock
// arrives, and fails on any ERROR packet. This is the accept function for
// the classic send_and_await_ack exchange (spec.md §4.3).
func AckAccept(wantBlock uint16) Accept {
	return func(pkt wire.Packet) (bool, error) {
		switch p := pkt.(type) {
		case *wire.AckPacket:
			if p.Block == wantBlock {
				return true, nil
			}
			logger.Debug("reliability: ack block mismatch, still waiting", "want", wantBlock, "got", p.Block)
			return false, nil
		case *wire.ErrorPacket:
			return false, &PeerError{Code: p.Code, Message: p.Message}
		default:
			return false, nil
		}
	}
}

// SendAndAwait transmits datagram to peer on conn, up to cfg.MaxRetries
// transmissions in total with cfg.Timeout between attempts, until accept
// reports completion, reports a fatal error, or retries are exhausted.
// It implements the retry loop from spec.md §4.3 steps 1-7. The returned
// int is the number of transmit attempts actually used (1 means the first
// attempt succeeded with no retransmission), for callers that want to
// track retry counts.
func SendAndAwait(conn net.PacketConn, peer net.Addr, datagram []byte, cfg Config, accept Accept) (wire.Packet, int, error) {
	buf := make([]byte, wire.MaxDatagramSize)

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if _, err := conn.WriteTo(datagram, peer); err != nil {
			return nil, attempt + 1, fmt.Errorf("%w: write to %s: %v", ErrTransport, peer, err)
		}

		for {
			if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
				return nil, attempt + 1, fmt.Errorf("%w: set read deadline: %v", ErrTransport, err)
			}

			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					logger.Debug("reliability: timed out awaiting reply, retrying", "attempt", attempt+1, "max_retries", cfg.MaxRetries)
					break // next attempt
				}
				return nil, attempt + 1, fmt.Errorf("%w: read: %v", ErrTransport, err)
			}

			if !addrEqual(addr, peer) {
				logger.Debug("reliability: datagram from unexpected peer, ignoring", "got", addr.String(), "want", peer.String())
				continue
			}

			pkt, err := wire.Decode(buf[:n])
			if err != nil {
				logger.Debug("reliability: malformed datagram, ignoring", "error", err)
				continue
			}

			done, err := accept(pkt)
			if err != nil {
				return nil, attempt + 1, err
			}
			if done {
				return pkt, attempt + 1, nil
			}
		}
	}

	return nil, cfg.MaxRetries, ErrRetriesExhausted
}

func addrEqual(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}

// RecvWithIdleLimit blocks for the next well-formed datagram from peer,
// applying cfg.Timeout as a per-read deadline. Datagrams from any other
// source address, and datagrams that fail to decode, are discarded without
// counting against the idle limit. It gives up with ErrRetriesExhausted
// after cfg.MaxRetries consecutive read timeouts. This is the receive-side
// counterpart to SendAndAwait, used by the Session Protocol's receiver
// loops (WRQ on the server, RRQ on the client) which do not themselves
// retransmit but must not block forever on a peer that vanished.
func RecvWithIdleLimit(conn net.PacketConn, peer net.Addr, cfg Config) (wire.Packet, error) {
	buf := make([]byte, wire.MaxDatagramSize)

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			return nil, fmt.Errorf("%w: set read deadline: %v", ErrTransport, err)
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Debug("reliability: idle timeout awaiting datagram", "attempt", attempt+1, "max_retries", cfg.MaxRetries)
				continue
			}
			return nil, fmt.Errorf("%w: read: %v", ErrTransport, err)
		}

		if !addrEqual(addr, peer) {
			logger.Debug("reliability: datagram from unexpected peer, ignoring", "got", addr.String(), "want", peer.String())
			attempt--
			continue
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			logger.Debug("reliability: malformed datagram, ignoring", "error", err)
			attempt--
			continue
		}

		return pkt, nil
	}

	return nil, ErrRetriesExhausted
}

// Receiver tracks the next expected block number on the receiving side of
// a data stream and implements duplicate suppression per spec.md §4.3.
type Receiver struct {
	expected uint16
}

// NewReceiver returns a Receiver whose first expected block is 1.
func NewReceiver() *Receiver {
	return &Receiver{expected: 1}
}

// Decision is the action a Receiver's caller must take for one incoming
// DATA block.
type Decision int

const (
	// Process means block == expected: handle the payload, then call
	// Advance, then ACK(block).
	Process Decision = iota
	// DuplicateAck means block < expected: re-send ACK(block) without
	// reprocessing the payload.
	DuplicateAck
	// GapDrop means block > expected: re-send ACK(expected-1) and drop
	// the datagram.
	GapDrop
)

// Evaluate classifies an incoming block number against the expected
// sequence, without mutating state. Call Advance after successfully
// processing a Process decision.
func (r *Receiver) Evaluate(block uint16) Decision {
	switch {
	case block == r.expected:
		return Process
	case block < r.expected:
		return DuplicateAck
	default:
		return GapDrop
	}
}

// Advance moves the expected block number forward by one. Call this only
// after successfully processing a Process decision.
func (r *Receiver) Advance() {
	r.expected++
}

// Expected returns the currently expected block number.
func (r *Receiver) Expected() uint16 {
	return r.expected
}

// LastAcked returns the block number to re-ACK for a GapDrop decision:
// expected-1, i.e. the last block actually processed.
func (r *Receiver) LastAcked() uint16 {
	return r.expected - 1
}
