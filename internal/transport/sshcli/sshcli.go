// Package sshcli is a minimal SSH CLI implementation of transport.Transport.
// It authenticates with username/password, runs each command in its own exec
// channel and returns the raw output. It does no prompt detection, paging
// control or vendor-specific parsing; platforms that need those behaviors
// need a richer transport behind the same interface.
package sshcli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mam15mon/network/internal/transport"
)

// defaultRunTimeout applies when Run is called with a nil timeout.
const defaultRunTimeout = 30 * time.Second

// dialTimeout bounds the TCP+handshake phase of Open.
const dialTimeout = 15 * time.Second

// Transport opens SSH CLI sessions.
type Transport struct{}

// New returns an SSH CLI transport.
func New() *Transport {
	return &Transport{}
}

// Open dials the device and authenticates. The returned session holds one
// ssh.Client; each Run opens a fresh exec channel on it.
func (t *Transport) Open(ctx context.Context, params transport.Params) (transport.Session, error) {
	port := params.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(params.Host, fmt.Sprintf("%d", port))

	config := &ssh.ClientConfig{
		User:    params.Username,
		Auth:    []ssh.AuthMethod{ssh.Password(params.Password)},
		Timeout: dialTimeout,
		// Device fleets rotate hardware and host keys constantly; strict host
		// key pinning is opt-in via the connection-option extras.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	}
	if extra, ok := params.Extras["host_key"].(string); ok && extra != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(extra))
		if err != nil {
			return nil, fmt.Errorf("sshcli: parse pinned host key: %w", err)
		}
		config.HostKeyCallback = ssh.FixedHostKey(key)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshcli: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sshcli: handshake %s: %w", addr, err)
	}

	return &session{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type session struct {
	client *ssh.Client
}

// Run executes one command in a dedicated exec channel. A nil timeout falls
// back to defaultRunTimeout; the transport never blocks indefinitely.
func (s *session) Run(ctx context.Context, command string, timeoutSeconds *float64) (transport.Reply, error) {
	timeout := defaultRunTimeout
	if timeoutSeconds != nil && *timeoutSeconds > 0 {
		timeout = time.Duration(*timeoutSeconds * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := s.client.NewSession()
	if err != nil {
		return transport.Reply{}, fmt.Errorf("sshcli: new channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-runCtx.Done():
		// Signal the remote side, then abandon the channel. The deferred
		// Close tears down the channel; the client connection stays usable.
		_ = sess.Signal(ssh.SIGKILL)
		return transport.Reply{}, fmt.Errorf("sshcli: command %q timed out after %s", command, timeout)
	case err := <-done:
		output := stdout.String()
		if stderr.Len() > 0 {
			output += stderr.String()
		}
		if err != nil {
			return transport.Reply{Output: output}, fmt.Errorf("sshcli: command %q: %w", command, err)
		}
		return transport.Reply{Output: output}, nil
	}
}

// PushConfig sends the configuration lines as a single newline-joined exec
// payload. A dry run never reaches the device: the proposed lines come back
// as the diff so callers can preview them.
func (s *session) PushConfig(ctx context.Context, lines []string, dryRun bool, timeoutSeconds *float64) (transport.Reply, error) {
	payload := strings.Join(lines, "\n")
	if dryRun {
		return transport.Reply{Output: "dry run: configuration not applied", Diff: payload}, nil
	}
	reply, err := s.Run(ctx, payload, timeoutSeconds)
	if err != nil {
		return reply, err
	}
	reply.Changed = true
	reply.Diff = payload
	return reply, nil
}

// Close tears down the underlying client connection.
func (s *session) Close() error {
	return s.client.Close()
}

// IsAlive reports whether the client connection still answers keepalives.
func (s *session) IsAlive() bool {
	_, _, err := s.client.SendRequest("keepalive@netfleet", true, nil)
	return err == nil
}
