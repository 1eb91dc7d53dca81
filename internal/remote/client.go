// Package remote runs one command per SSH session on a training host and streams its output.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/observability"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy controls how server host keys are verified.
type HostKeyPolicy string

const (
	// PolicyInstance accepts only the host keys pinned on the Target.
	PolicyInstance HostKeyPolicy = "instance"
	// PolicyStrict rejects hosts missing from the known_hosts file.
	PolicyStrict HostKeyPolicy = "strict"
	// PolicyAcceptNew records unknown hosts and rejects changed keys.
	PolicyAcceptNew HostKeyPolicy = "accept-new"
	// PolicyInsecure accepts any host key.
	PolicyInsecure HostKeyPolicy = "insecure"
)

// maxLineSize bounds a single line of remote output.
const maxLineSize = 1 << 20

// Stream names passed to a LineSink.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// LineSink receives remote output one line at a time. Calls are serialized.
type LineSink func(stream, line string)

// LogSink returns a LineSink that writes each line to logger.
func LogSink(logger *slog.Logger) LineSink {
	return func(stream, line string) {
		if stream == Stderr {
			logger.Warn(line, "stream", stream)
			return
		}
		logger.Info(line, "stream", stream)
	}
}

// Target is the host a command runs on. HostKeys holds the host's public keys in
// authorized_keys format and is required by PolicyInstance.
type Target struct {
	Host     string
	HostKeys []string
}

// ExecutionOutput summarizes one remote command execution.
type ExecutionOutput struct {
	ExitCode    int           `json:"exitCode"`
	StdoutLines int           `json:"stdoutLines"`
	StderrLines int           `json:"stderrLines"`
	Duration    time.Duration `json:"duration"`
}

// Config holds configuration for the SSH client.
type Config struct {
	User           string
	KeyPath        string     // PEM or OpenSSH private key
	Signer         ssh.Signer // used instead of KeyPath when set
	KnownHostsPath string
	HostKeyPolicy  HostKeyPolicy // default: instance
	Port           int           // default: 22
	DialTimeout    time.Duration // default: 30s
}

// Client opens a fresh SSH session for every command.
type Client struct {
	user           string
	signer         ssh.Signer
	knownHostsPath string
	policy         HostKeyPolicy
	port           int
	dialTimeout    time.Duration

	// knownHostsMu serializes appends to the known_hosts file.
	knownHostsMu sync.Mutex
}

// NewClient creates an SSH client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if cfg.HostKeyPolicy == "" {
		cfg.HostKeyPolicy = PolicyInstance
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	switch cfg.HostKeyPolicy {
	case PolicyInstance:
	case PolicyStrict, PolicyAcceptNew:
		if cfg.KnownHostsPath == "" {
			return nil, fmt.Errorf("known hosts path is required for host key policy %q", cfg.HostKeyPolicy)
		}
	case PolicyInsecure:
		slog.Warn("SSH host key verification is disabled", "component", "remote")
	default:
		return nil, fmt.Errorf("unknown host key policy %q", cfg.HostKeyPolicy)
	}

	signer := cfg.Signer
	if signer == nil {
		keyBytes, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err = ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
	}

	return &Client{
		user:           cfg.User,
		signer:         signer,
		knownHostsPath: cfg.KnownHostsPath,
		policy:         cfg.HostKeyPolicy,
		port:           cfg.Port,
		dialTimeout:    cfg.DialTimeout,
	}, nil
}

// Run connects to target, executes command and streams its output to sink.
//
// The session and connection are closed before Run returns, and early when ctx
// is cancelled. Any failure to connect, authenticate or execute, and any
// non-zero exit status, is returned as an apperrors.ErrConnection. The returned
// output is non-nil whenever the command was started.
func (c *Client) Run(ctx context.Context, target Target, command string, sink LineSink) (*ExecutionOutput, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(c.port))
	logger := observability.Logger(ctx).With("component", "remote", "host", addr)

	client, err := c.dial(ctx, addr, target.HostKeys)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, c.connErr(ctx, "ssh.newSession", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, c.connErr(ctx, "ssh.stdout", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, c.connErr(ctx, "ssh.stderr", err)
	}

	start := time.Now()
	if err := session.Start(command); err != nil {
		return nil, c.connErr(ctx, "ssh.start", err)
	}
	logger.Info("Remote command started")

	out := &ExecutionOutput{}
	var sinkMu sync.Mutex
	emit := func(stream, line string) {
		if sink == nil {
			return
		}
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sink(stream, line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.StdoutLines = scanLines(logger, stdout, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		out.StderrLines = scanLines(logger, stderr, Stderr, emit)
	}()
	wg.Wait()

	waitErr := session.Wait()
	out.Duration = time.Since(start)

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		logger.Info("Remote command finished", "duration", out.Duration.Round(time.Millisecond))
		return out, nil
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
		logger.Error("Remote command failed", "exitCode", out.ExitCode)
		return out, apperrors.Connection("ssh.run", fmt.Errorf("command exited with status %d", out.ExitCode))
	default:
		out.ExitCode = -1
		return out, c.connErr(ctx, "ssh.wait", waitErr)
	}
}

func (c *Client) dial(ctx context.Context, addr string, pinned []string) (*ssh.Client, error) {
	hostKeys, algorithms, err := c.hostKeyCallback(pinned)
	if err != nil {
		return nil, apperrors.Connection("ssh.hostKeys", err)
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, c.connErr(ctx, "ssh.dial", err)
	}

	// Closing the connection unblocks the handshake and any running session.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	clientConfig := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback:   hostKeys,
		HostKeyAlgorithms: algorithms,
		Timeout:           c.dialTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		stop()
		conn.Close()
		return nil, c.connErr(ctx, "ssh.handshake", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	go func() {
		client.Wait()
		stop()
	}()
	return client, nil
}

// hostKeyCallback builds the verifier for one connection. known_hosts is reloaded
// every time so keys recorded by earlier runs are seen. The returned algorithms
// are nil unless keys are pinned.
func (c *Client) hostKeyCallback(pinned []string) (ssh.HostKeyCallback, []string, error) {
	switch c.policy {
	case PolicyInstance:
		return pinnedHostKeys(pinned)
	case PolicyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil, nil
	case PolicyAcceptNew:
		f, err := os.OpenFile(c.knownHostsPath, os.O_CREATE|os.O_RDONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		f.Close()
		verify, err := knownhosts.New(c.knownHostsPath)
		if err != nil {
			return nil, nil, err
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := verify(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				return c.recordHostKey(hostname, key)
			}
			return err
		}, nil, nil
	default:
		verify, err := knownhosts.New(c.knownHostsPath)
		return verify, nil, err
	}
}

// pinnedHostKeys accepts exactly the given keys and restricts negotiation to
// their algorithms so the server presents one of them.
func pinnedHostKeys(lines []string) (ssh.HostKeyCallback, []string, error) {
	if len(lines) == 0 {
		return nil, nil, errors.New("no host keys pinned for target")
	}

	var (
		keys       [][]byte
		algorithms []string
	)
	for _, line := range lines {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, nil, fmt.Errorf("parse pinned host key: %w", err)
		}
		keys = append(keys, key.Marshal())
		if key.Type() == ssh.KeyAlgoRSA {
			algorithms = append(algorithms, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256)
		} else {
			algorithms = append(algorithms, key.Type())
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := key.Marshal()
		for _, want := range keys {
			if bytes.Equal(presented, want) {
				return nil
			}
		}
		return fmt.Errorf("host key %s for %s does not match the pinned keys", ssh.FingerprintSHA256(key), hostname)
	}, algorithms, nil
}

func (c *Client) recordHostKey(hostname string, key ssh.PublicKey) error {
	c.knownHostsMu.Lock()
	defer c.knownHostsMu.Unlock()

	f, err := os.OpenFile(c.knownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	slog.Warn("Recorded new SSH host key", "component", "remote", "host", hostname,
		"fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

// connErr wraps err as a connection error, keeping context cancellation visible.
func (c *Client) connErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Connection(op, ctxErr)
	}
	return apperrors.Connection(op, err)
}

func scanLines(logger *slog.Logger, r io.Reader, stream string, emit func(stream, line string)) int {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		emit(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Stopped reading remote output", "stream", stream, "error", err)
		// Drain so the session can finish.
		_, _ = io.Copy(io.Discard, r)
	}
	return n
}
