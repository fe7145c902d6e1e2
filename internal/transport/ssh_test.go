package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	tlerr "tlvlink/internal/errors"
)

// writeTestKey generates an unencrypted ed25519 client key, writes it
// in OpenSSH format and returns its path and public half.
func writeTestKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "tlvlink test")
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(block)

	// Parse it back so the test also covers the file the dialer reads.
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	return path, signer.PublicKey()
}

func newHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// sshBastion runs an SSH server on loopback that accepts only allowed
// and serves direct-tcpip forwarding.
func sshBastion(t *testing.T, hostKey ssh.Signer, allowed ssh.PublicKey) (host string, port int) {
	t.Helper()
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), allowed.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
		BannerCallback: func(ssh.ConnMetadata) string { return "test bastion\n" },
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveBastion(c, cfg)
		}
	}()
	a := ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func serveBastion(c net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		var req struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &req); err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			io.Copy(ch, target) //nolint:errcheck
			ch.Close()
		}()
		go func() {
			io.Copy(target, ch) //nolint:errcheck
			target.Close()
		}()
	}
}

func TestBuildAuthMethods_ExplicitKey(t *testing.T) {
	keyPath, _ := writeTestKey(t)

	methods, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

func TestBuildAuthMethods_MissingKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	if _, err := BuildAuthMethods(&SSHConfig{KeyPath: "/nonexistent/key"}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestBuildAuthMethods_NoneAvailable(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())

	if _, err := BuildAuthMethods(&SSHConfig{}); err == nil {
		t.Fatal("expected error with no agent and no keys")
	}
}

func TestBuildAuthMethods_PasswordPrompt(t *testing.T) {
	var asked []string
	cfg := &SSHConfig{
		PromptPass: true,
		Prompt: func(p string) ([]byte, error) {
			asked = append(asked, p)
			return []byte("secret"), nil
		},
	}
	methods, err := BuildAuthMethods(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(methods) != 1 || len(asked) != 1 {
		t.Fatalf("methods=%d prompts=%v", len(methods), asked)
	}

	cfg.Prompt = func(string) ([]byte, error) { return nil, io.ErrUnexpectedEOF }
	if _, err := BuildAuthMethods(cfg); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v, want prompt error", err)
	}
}

func TestHostKeyCallback(t *testing.T) {
	cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: false})
	if err != nil || cb == nil {
		t.Fatalf("insecure callback: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "known_hosts")
	if _, err := hostKeyCallback(&SSHConfig{StrictHostKey: true, KnownHosts: missing}); err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}

func TestSSHDialer_Forwards(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	host, port := sshBastion(t, newHostKey(t), pub)
	target := echoServer(t)

	d := NewSSHDialer(&SSHConfig{
		User: "tester", Host: host, Port: port, KeyPath: keyPath,
		ConnTimeout: 2 * time.Second,
	}, nil)
	defer d.Close()

	if d.Alive() {
		t.Fatal("dialer connected before first Dial")
	}
	for i := 0; i < 2; i++ {
		conn, err := d.Dial(context.Background(), "tcp", target)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		roundTrip(t, conn, "through the bastion")
		conn.Close()
	}
	if !d.Alive() {
		t.Fatal("dialer should hold its client between dials")
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Alive() {
		t.Fatal("Alive after Close")
	}
}

func TestSSHDialer_UnknownKeyFailsAuth(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	other := newHostKey(t).PublicKey()
	host, port := sshBastion(t, newHostKey(t), other)

	d := NewSSHDialer(&SSHConfig{
		User: "tester", Host: host, Port: port, KeyPath: keyPath,
		ConnTimeout: 2 * time.Second,
	}, nil)
	defer d.Close()

	_, err := d.Dial(context.Background(), "tcp", "127.0.0.1:1")
	if !errors.Is(err, tlerr.ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
	var se *tlerr.SSHError
	if !errors.As(err, &se) || se.Op != "handshake" {
		t.Fatalf("got %T, want handshake SSHError", err)
	}
}

func TestSSHDialer_HostKeyMismatch(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	host, port := sshBastion(t, newHostKey(t), pub)

	// known_hosts pins a different key for the bastion's address.
	line := knownhosts.Line([]string{knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))}, newHostKey(t).PublicKey())
	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(kh, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	d := NewSSHDialer(&SSHConfig{
		User: "tester", Host: host, Port: port, KeyPath: keyPath,
		StrictHostKey: true, KnownHosts: kh, ConnTimeout: 2 * time.Second,
	}, nil)
	defer d.Close()

	if _, err := d.Dial(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, tlerr.ErrHostKeyMismatch) {
		t.Fatalf("got %v, want ErrHostKeyMismatch", err)
	}
}

func TestWSDialer_ViaSSH(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	host, port := sshBastion(t, newHostKey(t), pub)

	l, err := ListenWS("127.0.0.1:0", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn) //nolint:errcheck
	}()

	d := &WSDialer{
		Timeout: 2 * time.Second,
		Via: NewSSHDialer(&SSHConfig{
			User: "tester", Host: host, Port: port, KeyPath: keyPath,
			ConnTimeout: 2 * time.Second,
		}, nil),
	}
	defer d.Close()

	conn, err := d.Dial(context.Background(), "tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "tunnelled frame")
}
