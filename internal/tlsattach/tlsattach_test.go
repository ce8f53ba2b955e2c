package tlsattach

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func selfSignedServerConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestAttachSucceedsAgainstUntrustedSelfSignedCert(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", selfSignedServerConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.(*tls.Conn).Handshake()
		buf := make([]byte, 1)
		c.Read(buf)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	tlsConn, err := Attach(context.Background(), conn, "localhost", time.Now(), nil)
	if err != nil {
		t.Fatalf("expected accept-any-cert handshake to succeed, got %v", err)
	}
	defer tlsConn.Close()
}

func TestAttachReturnsNotAuthenticatedOnCancel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Attach(ctx, client, "localhost", time.Now(), nil)
	tlsErr, ok := err.(*TlsError)
	if !ok {
		t.Fatalf("expected *TlsError, got %T: %v", err, err)
	}
	if tlsErr.Kind != NotAuthenticated {
		t.Fatalf("expected NotAuthenticated, got %v", tlsErr.Kind)
	}
}

func TestAttachReturnsFailureWhileAuthenticatingOnPlaintextPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("not a tls handshake at all"))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Attach(ctx, conn, "localhost", time.Now(), nil)
	tlsErr, ok := err.(*TlsError)
	if !ok {
		t.Fatalf("expected *TlsError, got %T: %v", err, err)
	}
	if tlsErr.Kind != FailureWhileAuthenticating {
		t.Fatalf("expected FailureWhileAuthenticating, got %v", tlsErr.Kind)
	}
}
