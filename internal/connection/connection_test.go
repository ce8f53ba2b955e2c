package connection

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/dnscache"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
)

func testGameMagic() [4]byte { return [4]byte{'T', 'E', 'S', 'T'} }

func testConfig(port int) *config.Config {
	cfg := config.Default()
	cfg.GameMagic = "TEST"
	cfg.Endpoint = config.EndpointConfig{
		PrimaryGateway: config.GatewayConfig{Host: "127.0.0.1", Port: port},
	}
	cfg.Timeouts.Connect = config.Duration(2 * time.Second)
	cfg.Timeouts.HeaderRead = config.Duration(2 * time.Second)
	cfg.Session.WatchdogInitial = config.Duration(2 * time.Second)
	cfg.Session.WatchdogSteady = config.Duration(2 * time.Second)
	return cfg
}

type nopGUIDStore struct{}

func (nopGUIDStore) StoreDeviceGUID(string) {}

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func readEnvelope(conn net.Conn) (*protocol.Envelope, error) {
	hdrBuf := make([]byte, wireproto.PacketHeaderSize)
	if err := readFull(conn, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := wireproto.DecodePacketHeader(hdrBuf, true)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, hdr.PayloadSize)
	if err := readFull(conn, payload); err != nil {
		return nil, err
	}
	body, err := wireproto.DecodeBody(hdr.Compression, payload)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(body)
}

func writeEnvelope(conn net.Conn, tag protocol.MessageTypeTag, body interface{}) error {
	encoded, err := protocol.EncodeEnvelope(tag, body)
	if err != nil {
		return err
	}
	return wireproto.EncodeFrame(conn, wireproto.PacketMessage, encoded, false)
}

// acceptAndHandshake accepts one connection, reads the ClientHello
// (raw, not an Envelope-wrapped frame, mirroring handshake.go's
// sendClientHello), and writes the protocol header plus ServerHello.
func acceptAndHandshake(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}

	hdrBuf := make([]byte, wireproto.PacketHeaderSize)
	if err := readFull(conn, hdrBuf); err != nil {
		t.Fatal(err)
	}
	hdr, err := wireproto.DecodePacketHeader(hdrBuf, true)
	if err != nil {
		t.Fatal(err)
	}
	clientHelloBody := make([]byte, hdr.PayloadSize)
	if err := readFull(conn, clientHelloBody); err != nil {
		t.Fatal(err)
	}

	protoHdr := make([]byte, wireproto.ProtocolHeaderSize)
	copy(protoHdr[0:4], testGameMagic()[:])
	protoHdr[4] = wireproto.ProtocolWireVersion
	protoHdr[5] = byte(wireproto.StatusClusterRunning)
	if _, err := conn.Write(protoHdr); err != nil {
		t.Fatal(err)
	}

	if err := writeEnvelope(conn, protocol.TagServerHello, &protocol.ServerHello{Accepted: true}); err != nil {
		t.Fatal(err)
	}
	return conn
}

// TestConnectFullLoginPipeline drives a Connection through guest
// login and session start against a fake server goroutine, confirming
// it reaches InSession and that EnqueueSend/ack round-trips work.
func TestConnectFullLoginPipeline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	serverErr := make(chan error, 1)
	go func() {
		conn := acceptAndHandshake(t, ln)
		defer conn.Close()

		if err := writeEnvelope(conn, protocol.TagClientHelloAccepted, &protocol.ClientHelloAccepted{}); err != nil {
			serverErr <- err
			return
		}

		env, err := readEnvelope(conn)
		if err != nil {
			serverErr <- err
			return
		}
		if env.Tag != protocol.TagGuestLoginRequest {
			serverErr <- fmt.Errorf("expected GuestLoginRequest, got tag %d", env.Tag)
			return
		}
		if err := writeEnvelope(conn, protocol.TagLoginAccepted, &protocol.LoginAccepted{}); err != nil {
			serverErr <- err
			return
		}

		env, err = readEnvelope(conn)
		if err != nil {
			serverErr <- err
			return
		}
		if env.Tag != protocol.TagSessionStartRequest {
			serverErr <- fmt.Errorf("expected SessionStartRequest, got tag %d", env.Tag)
			return
		}
		if err := writeEnvelope(conn, protocol.TagSessionStartSuccess, &protocol.SessionStartSuccess{Token: 42}); err != nil {
			serverErr <- err
			return
		}

		env, err = readEnvelope(conn)
		if err != nil {
			serverErr <- err
			return
		}
		if env.Tag != protocol.TagApplicationPayload {
			serverErr <- fmt.Errorf("expected ApplicationPayload, got tag %d", env.Tag)
			return
		}
		writeEnvelope(conn, protocol.TagAcknowledgement, &protocol.Acknowledgement{NumReceived: 1})
		serverErr <- nil
	}()

	cfg := testConfig(port)
	dns := dnscache.New(dnscache.NewSystemResolver())
	conn := New(cfg, dns, nopGUIDStore{}, LoginParams{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn.mu.Lock()
	phase := conn.phase
	conn.mu.Unlock()
	if phase != PhaseInSession {
		t.Fatalf("expected InSession, got %s", phase)
	}

	if ok := conn.EnqueueSend([]byte("hello")); !ok {
		t.Fatal("EnqueueSend returned false while in session")
	}

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("server goroutine error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server to observe application payload")
	}

	snapshot := conn.Metrics.Snapshot()
	if snapshot.ConnectAttempts != 1 || snapshot.ConnectSuccesses != 1 {
		t.Fatalf("expected one successful connect attempt, got %+v", snapshot)
	}
	if snapshot.BytesSent == 0 {
		t.Fatalf("expected BytesSent to be recorded, got %+v", snapshot)
	}
}
