// Package ftp stages composite products from anonymous FTP archives.
// Some upstream providers publish flood composites on plain FTP sites
// rather than through a DAAC; this client lists an archive directory,
// keeps the files whose names carry every keyword, and streams them to
// local disk for upload.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	ftplib "github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// DefaultDir is the directory composite products are published under.
const DefaultDir = "/composite"

// DefaultTimeout bounds the control-connection dial.
const DefaultTimeout = 30 * time.Second

// The archives staged here are public and accept anonymous logins.
const (
	anonymousUser     = "anonymous"
	anonymousPassword = "anonymous@domain.com"
)

// ErrNoMatches reports a listing in which no file name carried every
// keyword.
var ErrNoMatches = errors.New("no matching ftp files")

// conn is the slice of the FTP connection the session uses.
type conn interface {
	fileNames(dir string) ([]string, error)
	retrieve(name string) (io.ReadCloser, error)
	quit() error
}

// Client dials an FTP server and opens sessions against it.
type Client struct {
	server  string
	timeout time.Duration
	logger  *zap.Logger
	dial    func(ctx context.Context, addr string) (conn, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for transfer progress.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout overrides the dial timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client for the given server. The default FTP control
// port is assumed when the server names none.
func New(server string, opts ...Option) *Client {
	c := &Client{
		server:  server,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	c.dial = c.dialServer
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and logs in anonymously.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	addr := c.server
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	fc, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Session{conn: fc, logger: c.logger}, nil
}

func (c *Client) dialServer(ctx context.Context, addr string) (conn, error) {
	fc, err := ftplib.Dial(addr, ftplib.DialWithContext(ctx), ftplib.DialWithTimeout(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	if err := fc.Login(anonymousUser, anonymousPassword); err != nil {
		_ = fc.Quit()
		return nil, fmt.Errorf("ftp login %s: %w", addr, err)
	}
	return &serverConn{conn: fc}, nil
}

// serverConn adapts a live FTP connection to the conn interface.
type serverConn struct {
	conn *ftplib.ServerConn
}

func (s *serverConn) fileNames(dir string) ([]string, error) {
	if err := s.conn.ChangeDir(dir); err != nil {
		return nil, err
	}
	entries, err := s.conn.List("")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type == ftplib.EntryTypeFile {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (s *serverConn) retrieve(name string) (io.ReadCloser, error) {
	return s.conn.Retr(name)
}

func (s *serverConn) quit() error {
	return s.conn.Quit()
}

// Session is a logged-in FTP connection.
type Session struct {
	conn   conn
	logger *zap.Logger
}

// ListMatching returns the regular files in dir whose names contain
// every keyword. Directories never match. An empty result is
// ErrNoMatches.
func (s *Session) ListMatching(dir string, keywords []string) ([]string, error) {
	names, err := s.conn.fileNames(dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list %s: %w", dir, err)
	}
	var matches []string
	for _, name := range names {
		if containsAll(name, keywords) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: keywords %v in %s", ErrNoMatches, keywords, dir)
	}
	s.logger.Info("FTP files matched",
		zap.String("dir", dir),
		zap.Int("count", len(matches)))
	return matches, nil
}

// Download streams one listed file into destDir and returns the local
// path. Partial files are removed on failure.
func (s *Session) Download(name, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	body, err := s.conn.retrieve(name)
	if err != nil {
		return "", fmt.Errorf("ftp retrieve %s: %w", name, err)
	}
	defer func() { _ = body.Close() }()

	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("ftp retrieve %s: %w", name, err)
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("ftp retrieve %s: write %s: %w", name, dest, err)
	}

	s.logger.Info("FTP file downloaded",
		zap.String("path", dest),
		zap.Int64("bytes", written))
	return dest, nil
}

// Close ends the session.
func (s *Session) Close() error {
	return s.conn.quit()
}

func containsAll(name string, keywords []string) bool {
	for _, k := range keywords {
		if !strings.Contains(name, k) {
			return false
		}
	}
	return true
}
