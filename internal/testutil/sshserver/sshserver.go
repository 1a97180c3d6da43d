// Package sshserver provides an in-process SSH server whose sessions echo
// their input, standing in for `ssh host cat` in integration tests.
//
// The server writes an SSH config file that can be passed to `ssh -F` so the
// system SSH binary can connect without any manual configuration. Echo
// latency can be raised and echoing stopped altogether while a session runs.
package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	delay    atomic.Int64 // nanoseconds added before every echo
	stalled  atomic.Bool  // swallow input instead of echoing it
	sessions atomic.Int32 // sessions currently echoing

	configDir     string
	sshConfigPath string
	alias         string
}

// Options configures the test SSH server.
type Options struct {
	Username       string          // Required
	AuthorizedKeys []ssh.PublicKey // Required
	IdentityFile   string          // private key written into the SSH config
	HostKey        ssh.Signer      // Generated if nil
	Alias          string          // Defaults to "test-<port>"
}

// New creates a test SSH server. Call Start() to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		t.Fatal("sshserver: Username is required")
	}
	if len(opts.AuthorizedKeys) == 0 {
		t.Fatal("sshserver: AuthorizedKeys is required")
	}

	return &Server{
		t:    t,
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start begins listening on a random port and generates the SSH config file.
// The server is stopped when the test ends.
func (s *Server) Start() {
	s.t.Helper()

	hostKey := s.opts.HostKey
	if hostKey == nil {
		hostKey = generateED25519Key(s.t)
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != s.opts.Username {
				return nil, fmt.Errorf("unknown user %q", conn.User())
			}
			for _, authorized := range s.opts.AuthorizedKeys {
				if bytes.Equal(key.Marshal(), authorized.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostKey)

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.alias = s.opts.Alias
	if s.alias == "" {
		s.alias = fmt.Sprintf("test-%d", s.Port())
	}

	s.configDir = s.t.TempDir()
	s.generateSSHConfig()

	s.wg.Add(1)
	go s.acceptLoop()
	s.t.Cleanup(s.Stop)
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.listener.Close()
		s.wg.Wait()
	})
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the server address as "127.0.0.1:<port>".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// SSHConfigPath returns the path to the generated SSH config file.
func (s *Server) SSHConfigPath() string {
	return s.sshConfigPath
}

// Alias returns the SSH config host alias.
func (s *Server) Alias() string {
	return s.alias
}

// Command returns the argv of a system ssh client running remote on this server.
func (s *Server) Command(remote ...string) []string {
	argv := []string{"ssh", "-F", s.sshConfigPath, "-T", s.alias}
	return append(argv, remote...)
}

// SetDelay makes every subsequent echo wait d before being sent back.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// Stall stops (or resumes) echoing. Input received while stalled is dropped.
func (s *Server) Stall(stalled bool) {
	s.stalled.Store(stalled)
}

// ActiveSessions returns the number of sessions currently echoing.
func (s *Server) ActiveSessions() int {
	return int(s.sessions.Load())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.t.Logf("sshserver: accept error: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.t.Logf("sshserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			s.wg.Add(1)
			go s.handleSession(newChan)
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	started := make(chan struct{})
	go func() {
		var once sync.Once
		for req := range reqs {
			ok := false
			switch req.Type {
			case "env", "pty-req", "window-change":
				ok = true
			case "shell", "exec":
				ok = true
				once.Do(func() { close(started) })
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}
		}
	}()

	select {
	case <-started:
	case <-s.done:
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	echoed := make(chan struct{})
	go func() {
		defer close(echoed)
		s.echo(ch)
	}()

	select {
	case <-echoed:
		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, 0)
		ch.SendRequest("exit-status", false, status)
	case <-s.done:
	}
}

// echo copies input back to the client, chunk by chunk, until EOF.
func (s *Server) echo(ch ssh.Channel) {
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 && !s.stalled.Load() {
			if d := time.Duration(s.delay.Load()); d > 0 {
				select {
				case <-time.After(d):
				case <-s.done:
					return
				}
			}
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) generateSSHConfig() {
	s.sshConfigPath = filepath.Join(s.configDir, "ssh_config")

	config := fmt.Sprintf(`Host %s
    HostName 127.0.0.1
    Port %d
    User %s
    StrictHostKeyChecking no
    UserKnownHostsFile /dev/null
    LogLevel ERROR
    BatchMode yes
    PreferredAuthentications publickey
`, s.alias, s.Port(), s.opts.Username)

	if s.opts.IdentityFile != "" {
		config += fmt.Sprintf("    IdentityFile %s\n    IdentitiesOnly yes\n", s.opts.IdentityFile)
	}

	if err := os.WriteFile(s.sshConfigPath, []byte(config), 0600); err != nil {
		s.t.Fatalf("sshserver: failed to write SSH config: %v", err)
	}
}

func generateED25519Key(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate ED25519 key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create signer: %v", err)
	}

	return signer
}

// GenerateClientKeyPair generates a temporary ED25519 keypair for testing.
// Returns the signer, the public key, and the path to the private key file.
func GenerateClientKeyPair(t testing.TB, dir string) (ssh.Signer, ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate client key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create client signer: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519_test")
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("sshserver: failed to marshal private key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("sshserver: failed to write private key: %v", err)
	}

	return signer, signer.PublicKey(), keyPath
}

// NewEchoServer starts a server that accepts a freshly generated client key
// and returns it with the client signer.
func NewEchoServer(t testing.TB) (*Server, ssh.Signer) {
	t.Helper()

	signer, pub, keyPath := GenerateClientKeyPair(t, t.TempDir())
	srv := New(t, Options{
		Username:       "pipemon",
		AuthorizedKeys: []ssh.PublicKey{pub},
		IdentityFile:   keyPath,
	})
	srv.Start()
	return srv, signer
}
