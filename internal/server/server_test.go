package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holtby/stftp/internal/metrics"
	"github.com/holtby/stftp/internal/store"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/session"
)

func newTestServer(t *testing.T) (*Server, *store.Store, session.Config) {
	t.Helper()
	key, err := cryptoutil.ParseKeyHex("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	cfg := session.Config{
		Key: key,
		Reliability: reliability.Config{
			Timeout:    200 * time.Millisecond,
			MaxRetries: 5,
		},
	}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", st, cfg, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	go srv.Serve()
	return srv, st, cfg
}

func TestServer_UploadDownloadDeleteRoundTrip(t *testing.T) {
	srv, st, cfg := newTestServer(t)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	localDir := t.TempDir()
	uploadPath := filepath.Join(localDir, "greet.txt")
	require.NoError(t, os.WriteFile(uploadPath, []byte("hello\n"), 0644))

	require.NoError(t, session.Upload(client, srv.Addr(), uploadPath, "greet.txt", cfg))

	stored, err := os.ReadFile(filepath.Join(st.Dir(), "greet.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stored))

	downloadPath := filepath.Join(localDir, "out.txt")
	require.NoError(t, session.Download(client, srv.Addr(), downloadPath, "greet.txt", cfg))
	got, err := os.ReadFile(downloadPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	require.NoError(t, session.Delete(client, srv.Addr(), "greet.txt", cfg))
	_, statErr := os.Stat(filepath.Join(st.Dir(), "greet.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestServer_DownloadMissingFileReportsError(t *testing.T) {
	srv, _, cfg := newTestServer(t)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	err = session.Download(client, srv.Addr(), filepath.Join(t.TempDir(), "out.txt"), "missing.txt", cfg)
	assert.Error(t, err)
}

func TestServer_SerialSessionsDoNotInterfere(t *testing.T) {
	srv, st, cfg := newTestServer(t)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	localDir := t.TempDir()
	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path := filepath.Join(localDir, name)
		content := []byte{byte(i), byte(i + 1), byte(i + 2)}
		require.NoError(t, os.WriteFile(path, content, 0644))
		require.NoError(t, session.Upload(client, srv.Addr(), path, name, cfg))

		stored, err := os.ReadFile(filepath.Join(st.Dir(), name))
		require.NoError(t, err)
		assert.Equal(t, content, stored)
	}
}
