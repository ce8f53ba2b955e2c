// Command netclient is a demo CLI driving one Connection end to end:
// it loads a YAML config, performs the login/session handshake against
// a configured gateway, and prints every message it receives until
// interrupted. It is the client-side analogue of the teacher's
// cmd/maboo entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/connection"
	"github.com/ruistola/metaplaytest-netcore/internal/dnscache"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "connect":
		connect()
	case "version":
		fmt.Printf("netclient v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func connect() {
	cfgPath := "netclient.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Logging)
	logger.Info("netclient starting", "version", version, "config", cfgPath)

	dns := dnscache.New(dnscache.NewSystemResolver())
	guidStore := stderrGUIDStore{logger: logger}

	login := connection.LoginParams{
		ClientHello: protocol.ClientHello{
			ClientVersion:        version,
			LogicVersion:         1,
			LoginProtocolVersion: 1,
			Platform:             "cli",
		},
	}

	conn := connection.New(cfg, dns, guidStore, login)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := conn.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("session established")

	for {
		select {
		case <-ctx.Done():
			logger.Info("netclient stopped")
			return
		case <-time.After(250 * time.Millisecond):
		}

		msgs, terminalErr := conn.ReceiveMessages()
		for _, m := range msgs {
			if m.Payload != nil {
				logger.Info("received payload", "bytes", len(m.Payload))
			} else {
				logger.Debug("received info", "info", fmt.Sprintf("%+v", m.Info))
			}
		}
		if terminalErr != nil {
			logger.Error("connection ended", "error", terminalErr)
			snapshot := conn.Metrics.Snapshot()
			logger.Info("final metrics",
				"connect_attempts", snapshot.ConnectAttempts,
				"bytes_sent", snapshot.BytesSent,
				"bytes_received", snapshot.BytesReceived,
			)
			return
		}
		if lost := conn.LastConnectionLostInfo(); lost != nil {
			logger.Warn("connection lost, attempting resume", "attempts", lost.Attempt.NumConnectionAttempts)
			conn.ResumeSessionAfterConnectionDrop(ctx)
		}
	}
}

// stderrGUIDStore is a minimal DeviceGUIDStore that just logs the
// corrected device GUID; a real caller would persist it to disk or a
// platform identity service instead.
type stderrGUIDStore struct {
	logger *slog.Logger
}

func (s stderrGUIDStore) StoreDeviceGUID(guid string) {
	s.logger.Info("device guid updated", "device_guid", guid)
}

func printUsage() {
	fmt.Println("usage: netclient <command> [config.yaml]")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  connect [config.yaml]  dial, log in, and stream messages until interrupted")
	fmt.Println("  version                print the version")
	fmt.Println("  help                   print this message")
}
