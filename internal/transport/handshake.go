package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/dialer"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/readbuf"
	"github.com/ruistola/metaplaytest-netcore/internal/tlsattach"
	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
	"github.com/ruistola/metaplaytest-netcore/internal/writequeue"
)

// ConnectParams carries everything the handshake sub-protocol
// (spec §4.8.1) needs to open one connection.
type ConnectParams struct {
	Host   string
	Port   int
	UseTLS bool

	GameMagic  [4]byte
	ClientHello protocol.ClientHello

	Dialer *dialer.Dialer

	ConnectTimeout    time.Duration
	HeaderReadTimeout time.Duration

	Tuning Tuning
	Sink   EventSink
}

// Connect performs the handshake sub-protocol end to end: dial (with
// optional TLS), send ClientHello, read and validate the protocol
// header and the ServerHello, then commits the connection by emitting
// OnConnect and starting the steady-state pump. On success the
// returned *Transport is already running; on failure the underlying
// stream has been closed.
func Connect(ctx context.Context, params ConnectParams) (*Transport, error) {
	connectCtx, cancelConnect := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancelConnect()

	dialResult, err := params.Dialer.Open(connectCtx, params.Host, params.Port)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, ConnectTimeoutError{}
		}
		return nil, &StreamIOFailedError{Op: "dial", Inner: err}
	}

	var stream ByteStream = dialResult.Conn
	protoName := "tcp"
	if params.UseTLS {
		tlsConn, err := tlsattach.Attach(connectCtx, dialResult.Conn, params.Host, dialResult.StartedAt, nil)
		if err != nil {
			dialResult.Conn.Close()
			if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
				return nil, ConnectTimeoutError{}
			}
			return nil, err
		}
		stream = tlsConn
		protoName = "tcp+tls"
	}

	return ConnectOverStream(ctx, stream, protoName, params)
}

// ConnectOverStream runs the handshake sub-protocol (send ClientHello,
// read protocol header + ServerHello, start the pump) over a stream
// that has already been dialed by the caller. This is the seam
// WebSocketTransport plugs into: it dials its own gorilla/websocket
// connection, then hands the resulting ByteStream here instead of
// going through the TCP dialer + TlsAttach path above.
func ConnectOverStream(ctx context.Context, stream ByteStream, protoName string, params ConnectParams) (*Transport, error) {
	connectCtx, cancelConnect := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancelConnect()

	if err := sendClientHello(connectCtx, stream, &params.ClientHello); err != nil {
		stream.Close()
		return nil, err
	}

	headerCtx, cancelHeader := context.WithTimeout(ctx, params.HeaderReadTimeout)
	defer cancelHeader()

	status, err := readProtocolHeader(headerCtx, stream, params.GameMagic)
	if err != nil {
		stream.Close()
		if errors.Is(headerCtx.Err(), context.DeadlineExceeded) {
			return nil, HeaderTimeoutError{}
		}
		return nil, err
	}
	if status != wireproto.StatusClusterRunning {
		stream.Close()
		return nil, &ClusterNotRunningError{Status: status}
	}

	serverHello, err := readServerHello(headerCtx, stream)
	if err != nil {
		stream.Close()
		if errors.Is(headerCtx.Err(), context.DeadlineExceeded) {
			return nil, HeaderTimeoutError{}
		}
		return nil, err
	}

	t := &Transport{
		stream: stream,
		sink:   params.Sink,
		queue:  writequeue.New(),
		rb:     readbuf.New(4 * 1024),
		pings:  NewPingTracker(),
		tuning: params.Tuning,
		done:   make(chan struct{}),
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	params.Sink.OnConnect(serverHello, HandshakeReport{
		ConnectedAt: time.Now(),
		Protocol:    protoName,
	})

	go t.pumpLoop(pumpCtx)

	return t, nil
}

func sendClientHello(ctx context.Context, stream ByteStream, hello *protocol.ClientHello) error {
	if ds, ok := stream.(deadlineSetter); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			ds.SetWriteDeadline(deadline)
			defer ds.SetWriteDeadline(time.Time{})
		}
	}

	body, err := protocol.EncodeEnvelope(protocol.TagClientHello, hello)
	if err != nil {
		return fmt.Errorf("transport: encoding ClientHello: %w", err)
	}
	if err := wireproto.EncodeFrame(stream, wireproto.PacketMessage, body, false); err != nil {
		return &StreamIOFailedError{Op: "write_client_hello", Inner: err}
	}
	return nil
}

func readProtocolHeader(ctx context.Context, stream ByteStream, gameMagic [4]byte) (wireproto.ProtocolStatus, error) {
	buf := make([]byte, wireproto.ProtocolHeaderSize)
	if err := readFullWithDeadline(ctx, stream, buf); err != nil {
		return 0, &StreamIOFailedError{Op: "read_protocol_header", Inner: err}
	}
	status, err := wireproto.ParseProtocolHeader(buf, gameMagic)
	if err != nil {
		return 0, &StreamIOFailedError{Op: "parse_protocol_header", Inner: err}
	}
	return status, nil
}

func readServerHello(ctx context.Context, stream ByteStream) (*protocol.ServerHello, error) {
	hdrBuf := make([]byte, wireproto.PacketHeaderSize)
	if err := readFullWithDeadline(ctx, stream, hdrBuf); err != nil {
		return nil, &StreamIOFailedError{Op: "read_hello_header", Inner: err}
	}
	hdr, err := wireproto.DecodePacketHeader(hdrBuf, true)
	if err != nil {
		return nil, &MissingHelloError{Reason: fmt.Sprintf("bad packet header: %v", err)}
	}
	if hdr.Type != wireproto.PacketMessage || hdr.Compression != wireproto.CompressionNone {
		return nil, &MissingHelloError{Reason: "first packet is not an uncompressed Message"}
	}

	payload := make([]byte, hdr.PayloadSize)
	if err := readFullWithDeadline(ctx, stream, payload); err != nil {
		return nil, &StreamIOFailedError{Op: "read_hello_payload", Inner: err}
	}

	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, &MissingHelloError{Reason: fmt.Sprintf("undecodable envelope: %v", err)}
	}
	if env.Tag != protocol.TagServerHello {
		return nil, &MissingHelloError{Reason: "first message is not ServerHello"}
	}

	var hello protocol.ServerHello
	if err := protocol.UnmarshalMsgpack(env.Body, &hello); err != nil {
		return nil, &MissingHelloError{Reason: fmt.Sprintf("undecodable ServerHello: %v", err)}
	}
	return &hello, nil
}

func readFullWithDeadline(ctx context.Context, stream ByteStream, buf []byte) error {
	if ds, ok := stream.(deadlineSetter); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			ds.SetReadDeadline(deadline)
			defer ds.SetReadDeadline(time.Time{})
		}
	}
	_, err := io.ReadFull(stream, buf)
	return err
}
