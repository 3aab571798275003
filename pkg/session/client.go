package session

import (
	"fmt"
	"net"
	"os"

	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/wire"
)

// Upload runs the client side of an upload session: read localPath,
// compute its MD5, and drive the WRQ data loop.
func Upload(conn net.PacketConn, peer net.Addr, localPath, remoteFilename string, cfg Config) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", localPath, err)
	}
	defer f.Close()

	digest, err := cryptoutil.MD5File(f)
	if err != nil {
		return fmt.Errorf("session: hash %s: %w", localPath, err)
	}

	reqDatagram, err := wire.EncodeRequest(wire.OpWRQ, remoteFilename)
	if err != nil {
		return err
	}

	if _, err := sendAndAwait(conn, peer, reqDatagram, cfg, reliability.AckAccept(0), "upload"); err != nil {
		return fmt.Errorf("session: wrq: %w", err)
	}

	if err := sendDataStream(conn, peer, f, digest, cfg, "upload"); err != nil {
		return fmt.Errorf("session: upload data stream: %w", err)
	}
	return nil
}

// Download runs the client side of a download session: the server is the
// sender, so the first reply to RRQ is a DATA packet rather than an ACK.
func Download(conn net.PacketConn, peer net.Addr, localPath, remoteFilename string, cfg Config) error {
	reqDatagram, err := wire.EncodeRequest(wire.OpRRQ, remoteFilename)
	if err != nil {
		return err
	}

	pkt, err := sendAndAwait(conn, peer, reqDatagram, cfg, firstDataAccept(), "download")
	if err != nil {
		return fmt.Errorf("session: rrq: %w", err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", localPath, err)
	}
	defer f.Close()

	recv := reliability.NewReceiver()
	var total int
	for {
		data, ok := pkt.(*wire.DataPacket)
		if !ok {
			return fmt.Errorf("session: expected data packet, got %T", pkt)
		}

		n, terminal, err := receiveDownloadData(conn, peer, f, recv, data, cfg)
		if err != nil {
			return err
		}
		total += n
		if terminal {
			break
		}

		pkt, err = reliability.RecvWithIdleLimit(conn, peer, cfg.Reliability)
		if err != nil {
			return err
		}
	}
	cfg.Metrics.AddBytesTransferred("download", total)

	pkt, err = reliability.RecvWithIdleLimit(conn, peer, cfg.Reliability)
	if err != nil {
		return fmt.Errorf("session: awaiting verify: %w", err)
	}
	verify, ok := pkt.(*wire.VerifyPacket)
	if !ok {
		return fmt.Errorf("session: expected verify packet, got %T", pkt)
	}
	return receiveDownloadVerify(conn, peer, f, localPath, verify)
}

// firstDataAccept is the Accept used while awaiting the RRQ reply: unlike
// every other exchange, the first DATA packet itself completes the wait,
// there is no ACK(0) for RRQ.
func firstDataAccept() reliability.Accept {
	return func(pkt wire.Packet) (bool, error) {
		switch p := pkt.(type) {
		case *wire.DataPacket:
			return true, nil
		case *wire.ErrorPacket:
			return false, &reliability.PeerError{Code: p.Code, Message: p.Message}
		default:
			return false, nil
		}
	}
}

func receiveDownloadData(conn net.PacketConn, peer net.Addr, f *os.File, recv *reliability.Receiver, p *wire.DataPacket, cfg Config) (written int, terminal bool, err error) {
	switch recv.Evaluate(p.Block) {
	case reliability.DuplicateAck:
		_, err = conn.WriteTo(wire.EncodeAck(p.Block), peer)
		return 0, false, err
	case reliability.GapDrop:
		_, err = conn.WriteTo(wire.EncodeAck(recv.LastAcked()), peer)
		return 0, false, err
	default: // Process
		plaintext, ok, derr := cryptoutil.DecryptBlock(cfg.Key, p.Payload)
		if derr != nil {
			return 0, false, derr
		}
		if !ok {
			logger.Warn("session: invalid padding on incoming block, writing raw bytes", "block", p.Block)
		}
		if _, err = f.Write(plaintext); err != nil {
			return 0, false, err
		}
		recv.Advance()
		if _, err = conn.WriteTo(wire.EncodeAck(p.Block), peer); err != nil {
			return 0, false, err
		}
		return len(plaintext), p.IsTerminal(), nil
	}
}

func receiveDownloadVerify(conn net.PacketConn, peer net.Addr, f *os.File, localPath string, p *wire.VerifyPacket) error {
	if err := f.Sync(); err != nil {
		return err
	}

	digest, err := cryptoutil.MD5File(f)
	if err != nil {
		return err
	}

	if digest != p.Digest {
		logger.Warn("session: download integrity mismatch", "path", localPath)
		sendError(conn, peer, wire.ErrVerificationFailed, "integrity check failed")
		return ErrIntegrityMismatch
	}

	_, err = conn.WriteTo(wire.EncodeAck(0), peer)
	return err
}

// Delete runs the client side of a delete session: a single retried
// exchange with no data phase.
func Delete(conn net.PacketConn, peer net.Addr, remoteFilename string, cfg Config) error {
	reqDatagram, err := wire.EncodeRequest(wire.OpDelete, remoteFilename)
	if err != nil {
		return err
	}

	_, err = sendAndAwait(conn, peer, reqDatagram, cfg, reliability.AckAccept(0), "delete")
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
