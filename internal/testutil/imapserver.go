// Package testutil holds shared test fixtures: an in-memory IMAP server,
// payment message builders and a quiet logger.
package testutil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/emersion/go-imap/v2"
	giimapserver "github.com/emersion/go-imap/v2/imapserver"
	giimapmemserver "github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	DefaultUser = "user@example.com"
	DefaultPass = "password"
)

// Server is a running in-memory IMAP server.
type Server struct {
	Addr string
	User *giimapmemserver.User
}

// Credentials returns credentials for the default user. Certificate
// validation is disabled since the server uses a self-signed certificate.
func (s *Server) Credentials() mailbox.Credentials {
	host, portRaw, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portRaw)
	return mailbox.Credentials{
		Host:               host,
		Port:               port,
		Username:           DefaultUser,
		Password:           DefaultPass,
		Mailbox:            mailbox.DefaultMailbox,
		InsecureSkipVerify: true,
	}
}

// Append adds a raw message to INBOX and returns its UID.
func (s *Server) Append(t *testing.T, raw string, flags ...imap.Flag) uint32 {
	t.Helper()
	data, err := s.User.Append(mailbox.DefaultMailbox, newLiteral(raw), &imap.AppendOptions{
		Flags: flags,
		Time:  time.Now(),
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	return uint32(data.UID)
}

// SetupIMAPServer starts a TLS IMAP server with an INBOX holding messages.
// The server is shut down when the test ends.
func SetupIMAPServer(t *testing.T, messages ...string) *Server {
	t.Helper()

	tlsConfig := testTLSConfig(t)
	mem := giimapmemserver.New()
	user := giimapmemserver.NewUser(DefaultUser, DefaultPass)
	mem.AddUser(user)

	if err := user.Create(mailbox.DefaultMailbox, nil); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}

	srv := &Server{User: user}
	for _, raw := range messages {
		srv.Append(t, raw)
	}

	server := giimapserver.New(&giimapserver.Options{
		NewSession: func(*giimapserver.Conn) (giimapserver.Session, *giimapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIdle:      {},
		},
		TLSConfig:    tlsConfig,
		InsecureAuth: true,
	})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = server.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		default:
		}
	})

	srv.Addr = ln.Addr().String()
	return srv
}

// SilentServer completes TLS handshakes and then never answers, which
// stalls logins until the client gives up.
func SilentServer(t *testing.T) *Server {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", testTLSConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() {
				_ = conn.(*tls.Conn).Handshake()
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	return &Server{Addr: ln.Addr().String()}
}

type literalReader struct {
	*bytes.Reader
	size int64
}

func newLiteral(raw string) imap.LiteralReader {
	buf := []byte(raw)
	return &literalReader{
		Reader: bytes.NewReader(buf),
		size:   int64(len(buf)),
	}
}

func (lr *literalReader) Size() int64 {
	return lr.size
}

// PlainMessage builds a single-part text/plain message.
func PlainMessage(from, subject, body string) string {
	builder := &strings.Builder{}
	writeHeaders(builder, from, subject)
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(body)
	builder.WriteString("\r\n")
	return builder.String()
}

// AlternativeMessage builds a multipart/alternative message with text and
// HTML parts.
func AlternativeMessage(from, subject, text, html string) string {
	const boundary = "paywatch-boundary"
	builder := &strings.Builder{}
	writeHeaders(builder, from, subject)
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: multipart/alternative; boundary=\"" + boundary + "\"\r\n")
	builder.WriteString("\r\n")
	builder.WriteString("--" + boundary + "\r\n")
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	builder.WriteString(text)
	builder.WriteString("\r\n--" + boundary + "\r\n")
	builder.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	builder.WriteString(html)
	builder.WriteString("\r\n--" + boundary + "--\r\n")
	return builder.String()
}

func writeHeaders(builder *strings.Builder, from, subject string) {
	builder.WriteString("From: ")
	builder.WriteString(from)
	builder.WriteString("\r\n")
	builder.WriteString("To: User <user@example.com>\r\n")
	builder.WriteString("Subject: ")
	builder.WriteString(subject)
	builder.WriteString("\r\n")
	builder.WriteString("Date: ")
	builder.WriteString(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC).Format(time.RFC1123Z))
	builder.WriteString("\r\n")
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"imap"},
	}
}
