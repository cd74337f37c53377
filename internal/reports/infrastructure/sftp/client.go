package sftp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	reports "feesync/internal/reports/domain"
	"feesync/internal/retry"
)

const (
	defaultPort          = 22
	defaultTimeout       = 60 * time.Second
	defaultFetchAttempts = 3
	keepAliveInterval    = 30 * time.Second
)

// Config configures the SFTP connection.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     string
	KnownHostsFile string
	Timeout        time.Duration
	FetchAttempts  int
}

// Client implements the report transfer client over SFTP.
type Client struct {
	sftp      *sftp.Client
	conn      io.Closer
	logger    *zap.Logger
	fetchCfg  retry.Config
	stopAlive chan struct{}
}

// Dial opens an SSH session and an SFTP subsystem on it.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" || cfg.Username == "" {
		return nil, fmt.Errorf("%w: sftp host and username are required", reports.ErrMissingCredentials)
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(cfg.KnownHostsFile, logger)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp: dial %s: %w", addr, err)
	}
	_ = raw.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	})
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("sftp: ssh handshake with %s: %w", addr, err)
	}
	_ = raw.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	client := newClient(sc, sshClient, cfg.FetchAttempts, logger)
	go client.keepAlive(sshClient)
	logger.Info("sftp connected", zap.String("addr", addr), zap.String("user", cfg.Username))
	return client, nil
}

func newClient(sc *sftp.Client, conn io.Closer, attempts int, logger *zap.Logger) *Client {
	if attempts <= 0 {
		attempts = defaultFetchAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		sftp:   sc,
		conn:   conn,
		logger: logger,
		fetchCfg: retry.Config{
			MaxAttempts:  attempts,
			InitialDelay: 5 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		stopAlive: make(chan struct{}),
	}
}

func (c *Client) keepAlive(conn *ssh.Client) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopAlive:
			return
		case <-ticker.C:
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Debug("sftp keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

// List returns the names of regular files in remoteDir.
func (c *Client) List(ctx context.Context, remoteDir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := c.sftp.ReadDir(remoteDir)
	if err != nil {
		return nil, fmt.Errorf("sftp: list %s: %w", remoteDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Fetch downloads remotePath into localPath, retrying with a short linear wait.
func (c *Client) Fetch(ctx context.Context, remotePath, localPath string) error {
	return retry.Do(ctx, c.fetchCfg, c.logger, "sftp fetch "+remotePath, func(ctx context.Context) error {
		return c.fetchOnce(ctx, remotePath, localPath)
	})
}

func (c *Client) fetchOnce(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("sftp: open %s: %w", remotePath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sftp: read %s: %w", remotePath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	c.logger.Debug("sftp downloaded", zap.String("remote", remotePath), zap.String("local", localPath))
	return nil
}

// Close releases the SFTP session and the SSH connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	select {
	case <-c.stopAlive:
	default:
		close(c.stopAlive)
	}
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: provide an sftp password or private key", reports.ErrMissingCredentials)
	}
	return methods, nil
}

// ParsePrivateKey accepts a PEM key, a base64-encoded PEM key, or a PEM key with literal \n escapes.
func ParsePrivateKey(text string) (ssh.Signer, error) {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "BEGIN") {
		if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
			text = string(decoded)
		}
	}
	text = strings.ReplaceAll(text, `\n`, "\n")
	signer, err := ssh.ParsePrivateKey([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("sftp: parse private key: %w", err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsFile string, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		logger.Warn("sftp known_hosts not configured, accepting any host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("sftp: load known_hosts: %w", err)
	}
	return callback, nil
}
