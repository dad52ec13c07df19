package bus

import (
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StartTestServer runs an embedded JetStream server for the duration of a test.
func StartTestServer(tb testing.TB) *natsserver.Server {
	tb.Helper()
	server, err := StartEmbedded(EmbeddedOptions{StoreDir: tb.TempDir()})
	if err != nil {
		tb.Fatalf("start nats: %v", err)
	}
	tb.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

// ConnectTest connects to server and returns the connection and a JetStream
// context. Both are closed at test cleanup.
func ConnectTest(tb testing.TB, server *natsserver.Server) (*nats.Conn, jetstream.JetStream) {
	tb.Helper()
	nc, err := nats.Connect(server.ClientURL())
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	tb.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		tb.Fatalf("jetstream: %v", err)
	}
	return nc, js
}
