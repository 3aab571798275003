// Package session implements the upload, download, and delete state
// machines described by the protocol, from both the client and server
// sides, built on the wire, cryptoutil, and reliability packages.
package session

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/internal/metrics"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/wire"
)

// ErrIntegrityMismatch is returned locally by the endpoint that detected an
// MD5 mismatch against the VERIFY digest, after it has reported
// ErrVerificationFailed to the peer.
var ErrIntegrityMismatch = errors.New("session: integrity verification failed")

// Config bundles the parameters every session needs regardless of role.
// Metrics is nil-safe: a zero-value Config records no metrics, so the
// client CLI (which has no registry to report to) can leave it unset.
type Config struct {
	Key         cryptoutil.Key
	Reliability reliability.Config
	Metrics     *metrics.Metrics
}

// DefaultConfig builds a Config from a key using the compiled-in retry and
// timeout defaults.
func DefaultConfig(key cryptoutil.Key) Config {
	return Config{Key: key, Reliability: reliability.DefaultConfig()}
}

// readBlock fills buf from f, looping over short reads, and treats EOF
// (including a partial final read) as a normal end of input rather than an
// error: the caller distinguishes a terminal block by n < len(buf).
func readBlock(f *os.File, buf []byte) (int, error) {
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	return n, err
}

func sendError(conn net.PacketConn, peer net.Addr, code wire.ErrorCode, message string) {
	datagram := wire.EncodeError(code, message)
	if _, err := conn.WriteTo(datagram, peer); err != nil {
		logger.Warn("session: failed to send error reply", "error", err, "peer", peer.String())
	}
}

// verifyAccept completes on ACK(0) and fails fatally on ERROR, matching the
// "awaits ACK(0) or ERROR" exchange used to close out every session kind.
func verifyAccept() reliability.Accept {
	return reliability.AckAccept(0)
}

// sendAndAwait wraps reliability.SendAndAwait and reports the retransmits
// it consumed (attempts beyond the first) to cfg.Metrics under role.
func sendAndAwait(conn net.PacketConn, peer net.Addr, datagram []byte, cfg Config, accept reliability.Accept, role string) (wire.Packet, error) {
	pkt, attempts, err := reliability.SendAndAwait(conn, peer, datagram, cfg.Reliability, accept)
	cfg.Metrics.AddRetries(role, attempts-1)
	return pkt, err
}
