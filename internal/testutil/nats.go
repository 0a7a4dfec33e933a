// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer starts an embedded NATS server with JetStream on a random port.
// The server is shut down when the test ends.
func RunServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}
	t.Cleanup(s.Shutdown)

	return s
}

// Connect opens a client connection to s, closed when the test ends
func Connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return nc
}

// StartJetStream starts a server and returns a connection and JetStream
// context bound to it
func StartJetStream(t *testing.T) (*server.Server, *nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s := RunServer(t)
	nc := Connect(t, s)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return s, nc, js
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Newf("timeout waiting for stream %s", name)
}

// Collect subscribes to subject and returns a channel receiving every
// message published on it
func Collect(t *testing.T, nc *nats.Conn, subject string) <-chan *nats.Msg {
	t.Helper()

	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })

	return ch
}
