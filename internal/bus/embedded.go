package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedOptions configures an in-process NATS server with JetStream.
type EmbeddedOptions struct {
	Host     string
	Port     int // -1 picks a random port
	StoreDir string
}

// StartEmbedded runs a NATS server inside the process and waits until it
// accepts connections. Callers own Shutdown.
func StartEmbedded(opts EmbeddedOptions) (*natsserver.Server, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = -1
	}
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:           opts.Host,
		Port:           opts.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       opts.StoreDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		server.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return server, nil
}
