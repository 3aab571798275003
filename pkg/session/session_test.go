package session

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holtby/stftp/internal/store"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/wire"
)

// dropFirstNConn drops the first n datagrams written through it, pretending
// they were sent successfully, to exercise the reliability layer's
// retransmit path from inside a full session rather than in isolation.
type dropFirstNConn struct {
	net.PacketConn
	mu sync.Mutex
	n  int
}

func (d *dropFirstNConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n > 0 {
		d.n--
		return len(b), nil
	}
	return d.PacketConn.WriteTo(b, addr)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	key, err := cryptoutil.ParseKeyHex("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	return Config{
		Key: key,
		Reliability: reliability.Config{
			Timeout:    200 * time.Millisecond,
			MaxRetries: 5,
		},
	}
}

// serverLoop accepts exactly one request datagram on conn and dispatches
// it to the matching handler, like the dispatcher's routing step without
// the surrounding receive-loop-forever machinery.
func serverLoop(t *testing.T, conn net.PacketConn, st *store.Store, cfg Config) <-chan error {
	t.Helper()
	done := make(chan error, 1)

	go func() {
		buf := make([]byte, wire.MaxDatagramSize)
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			done <- err
			return
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			done <- err
			return
		}
		req, ok := pkt.(*wire.RequestPacket)
		if !ok {
			done <- assert.AnError
			return
		}

		switch req.Op {
		case wire.OpWRQ:
			done <- HandleWRQ(conn, peer, req, st, cfg)
		case wire.OpRRQ:
			done <- HandleRRQ(conn, peer, req, st, cfg)
		case wire.OpDelete:
			done <- HandleDelete(conn, peer, req, st)
		default:
			done <- assert.AnError
		}
	}()

	return done
}

func loopbackPair(t *testing.T) (client net.PacketConn, server net.PacketConn) {
	t.Helper()
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, server
}

func TestUpload_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "greet.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("hello\n"), 0644))

	done := serverLoop(t, server, st, cfg)

	err = Upload(client, server.LocalAddr(), localPath, "greet.txt", cfg)
	require.NoError(t, err)
	require.NoError(t, <-done)

	stored, err := os.ReadFile(filepath.Join(st.Dir(), "greet.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stored))
}

func TestUpload_ExactBlockMultiple(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	content := make([]byte, wire.PlaintextBlock)
	for i := range content {
		content[i] = byte(i)
	}
	localPath := filepath.Join(t.TempDir(), "exact.bin")
	require.NoError(t, os.WriteFile(localPath, content, 0644))

	done := serverLoop(t, server, st, cfg)

	require.NoError(t, Upload(client, server.LocalAddr(), localPath, "exact.bin", cfg))
	require.NoError(t, <-done)

	stored, err := os.ReadFile(filepath.Join(st.Dir(), "exact.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, stored)
}

func TestDownload_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "greet.txt"), []byte("hello\n"), 0644))

	done := serverLoop(t, server, st, cfg)

	localPath := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, Download(client, server.LocalAddr(), localPath, "greet.txt", cfg))
	require.NoError(t, <-done)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))
}

func TestDownload_MissingFileReturnsError(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	done := serverLoop(t, server, st, cfg)

	localPath := filepath.Join(t.TempDir(), "out.txt")
	err = Download(client, server.LocalAddr(), localPath, "missing.txt", cfg)
	assert.Error(t, err)
	<-done

	_, statErr := os.Stat(localPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDelete_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	target := filepath.Join(st.Dir(), "greet.txt")
	require.NoError(t, os.WriteFile(target, []byte("hello\n"), 0644))

	done := serverLoop(t, server, st, cfg)

	require.NoError(t, Delete(client, server.LocalAddr(), "greet.txt", cfg))
	require.NoError(t, <-done)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_IntegrityMismatchDiscardsPartialFile(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	localPath := filepath.Join(t.TempDir(), "greet.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("hello\n"), 0644))

	f, err := os.Open(localPath)
	require.NoError(t, err)
	defer f.Close()

	digest, err := cryptoutil.MD5File(f)
	require.NoError(t, err)
	digest[0] ^= 0xff // claim a digest that doesn't match what's actually sent

	reqDatagram, err := wire.EncodeRequest(wire.OpWRQ, "greet.txt")
	require.NoError(t, err)

	done := serverLoop(t, server, st, cfg)

	_, err = sendAndAwait(client, server.LocalAddr(), reqDatagram, cfg, reliability.AckAccept(0), "upload")
	require.NoError(t, err)

	err = sendDataStream(client, server.LocalAddr(), f, digest, cfg, "upload")
	require.Error(t, err)
	var peerErr *reliability.PeerError
	require.ErrorAs(t, err, &peerErr)
	assert.Equal(t, wire.ErrVerificationFailed, peerErr.Code)

	serverErr := <-done
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, ErrIntegrityMismatch)

	_, statErr := os.Stat(filepath.Join(st.Dir(), "greet.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_RetriesThroughDroppedDatagram(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)
	dropping := &dropFirstNConn{PacketConn: client, n: 1}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	localPath := filepath.Join(t.TempDir(), "greet.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("hello, world\n"), 0644))

	done := serverLoop(t, server, st, cfg)

	require.NoError(t, Upload(dropping, server.LocalAddr(), localPath, "greet.txt", cfg))
	require.NoError(t, <-done)

	stored, err := os.ReadFile(filepath.Join(st.Dir(), "greet.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello, world\n", string(stored))
}

func TestUpload_ZeroByteFile(t *testing.T) {
	cfg := testConfig(t)
	client, server := loopbackPair(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	localPath := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(localPath, nil, 0644))

	done := serverLoop(t, server, st, cfg)

	require.NoError(t, Upload(client, server.LocalAddr(), localPath, "empty.txt", cfg))
	require.NoError(t, <-done)

	info, err := os.Stat(filepath.Join(st.Dir(), "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
