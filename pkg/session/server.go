package session

import (
	"net"
	"os"

	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/internal/store"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/wire"
)

// HandleWRQ runs the server side of an upload session to completion: it
// owns conn until the session ends, per the single-session dispatcher
// model in the server design.
func HandleWRQ(conn net.PacketConn, peer net.Addr, req *wire.RequestPacket, st *store.Store, cfg Config) error {
	path, err := st.Resolve(req.Filename)
	if err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, err.Error())
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		logger.Warn("session: wrq create failed", "path", path, "error", err)
		sendError(conn, peer, wire.ErrAccessDenied, "cannot create file")
		return err
	}
	aborted := true
	defer func() {
		f.Close()
		if aborted {
			os.Remove(path)
		}
	}()

	if _, err := conn.WriteTo(wire.EncodeAck(0), peer); err != nil {
		return err
	}

	recv := reliability.NewReceiver()
	var total int
	for {
		pkt, err := reliability.RecvWithIdleLimit(conn, peer, cfg.Reliability)
		if err != nil {
			return err
		}

		switch p := pkt.(type) {
		case *wire.DataPacket:
			n, err := handleUploadData(conn, peer, f, recv, p, cfg)
			if err != nil {
				return err
			}
			total += n
		case *wire.VerifyPacket:
			aborted = false // file handle now owned by the verify step
			cfg.Metrics.AddBytesTransferred("upload", total)
			return handleUploadVerify(conn, peer, f, path, p)
		case *wire.ErrorPacket:
			return &reliability.PeerError{Code: p.Code, Message: p.Message}
		default:
			sendError(conn, peer, wire.ErrUndefined, "unexpected packet in data phase")
			return wire.ErrMalformed
		}
	}
}

func handleUploadData(conn net.PacketConn, peer net.Addr, f *os.File, recv *reliability.Receiver, p *wire.DataPacket, cfg Config) (written int, err error) {
	switch recv.Evaluate(p.Block) {
	case reliability.DuplicateAck:
		_, err = conn.WriteTo(wire.EncodeAck(p.Block), peer)
		return 0, err
	case reliability.GapDrop:
		_, err = conn.WriteTo(wire.EncodeAck(recv.LastAcked()), peer)
		return 0, err
	default: // Process
		plaintext, ok, derr := cryptoutil.DecryptBlock(cfg.Key, p.Payload)
		if derr != nil {
			return 0, derr
		}
		if !ok {
			logger.Warn("session: invalid padding on incoming block, writing raw bytes", "block", p.Block)
		}
		if _, err = f.Write(plaintext); err != nil {
			return 0, err
		}
		if err = f.Sync(); err != nil {
			return 0, err
		}
		recv.Advance()
		if _, err = conn.WriteTo(wire.EncodeAck(p.Block), peer); err != nil {
			return 0, err
		}
		return len(plaintext), nil
	}
}

func handleUploadVerify(conn net.PacketConn, peer net.Addr, f *os.File, path string, p *wire.VerifyPacket) error {
	if err := f.Close(); err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, "could not finalize file")
		return err
	}

	rf, err := os.Open(path)
	if err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, "could not reopen file for verification")
		return err
	}
	digest, err := cryptoutil.MD5File(rf)
	rf.Close()
	if err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, "could not hash file")
		return err
	}

	if digest != p.Digest {
		logger.Warn("session: upload integrity mismatch, discarding file", "path", path)
		os.Remove(path)
		sendError(conn, peer, wire.ErrVerificationFailed, "integrity check failed")
		return ErrIntegrityMismatch
	}

	_, err = conn.WriteTo(wire.EncodeAck(0), peer)
	return err
}

// HandleRRQ runs the server side of a download session: it is the sender
// of the data stream, driving the exchange with send_and_await_ack.
func HandleRRQ(conn net.PacketConn, peer net.Addr, req *wire.RequestPacket, st *store.Store, cfg Config) error {
	path, err := st.Resolve(req.Filename)
	if err != nil {
		sendError(conn, peer, wire.ErrFileNotFound, err.Error())
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		sendError(conn, peer, wire.ErrFileNotFound, "file not found")
		return err
	}
	defer f.Close()

	digest, err := cryptoutil.MD5File(f)
	if err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, "could not hash file")
		return err
	}

	return sendDataStream(conn, peer, f, digest, cfg, "download")
}

// sendDataStream is the sender half of the data loop shared by RRQ (server
// sending a download) and Upload (client sending a WRQ): read a plaintext
// block, encrypt it, send-and-await-ack, repeat until a short block signals
// end of stream, then send VERIFY and await its ACK.
func sendDataStream(conn net.PacketConn, peer net.Addr, f *os.File, digest [wire.MD5Size]byte, cfg Config, role string) error {
	buf := make([]byte, wire.PlaintextBlock)
	block := uint16(1)
	var total int

	for {
		n, err := readBlock(f, buf)
		if err != nil {
			return err
		}

		ciphertext, err := cryptoutil.EncryptBlock(cfg.Key, buf[:n])
		if err != nil {
			return err
		}

		datagram := wire.EncodeData(block, ciphertext)
		if _, err := sendAndAwait(conn, peer, datagram, cfg, reliability.AckAccept(block), role); err != nil {
			return err
		}
		total += n

		terminal := n < wire.PlaintextBlock
		block++
		if terminal {
			break
		}
	}
	cfg.Metrics.AddBytesTransferred(role, total)

	verifyDatagram := wire.EncodeVerify(digest)
	_, err := sendAndAwait(conn, peer, verifyDatagram, cfg, verifyAccept(), role)
	return err
}

// HandleDelete runs the server side of a delete session: a single
// filesystem operation followed by one reply, with no retry loop on the
// server's side of the exchange.
func HandleDelete(conn net.PacketConn, peer net.Addr, req *wire.RequestPacket, st *store.Store) error {
	path, err := st.Resolve(req.Filename)
	if err != nil {
		sendError(conn, peer, wire.ErrAccessDenied, err.Error())
		return err
	}

	if err := os.Remove(path); err != nil {
		logger.Warn("session: delete failed", "path", path, "error", err)
		sendError(conn, peer, wire.ErrAccessDenied, "could not remove file")
		return err
	}

	_, err = conn.WriteTo(wire.EncodeAck(0), peer)
	return err
}
