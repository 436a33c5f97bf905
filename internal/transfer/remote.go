// Package transfer pushes materialized documents and reports to the
// remote SFTP server and records each outcome in the audit store.
package transfer

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codexdist/rcpsync/internal/config"
)

// Remote is the subset of an SFTP session the engine needs. Paths use
// forward slashes. Stat of a missing path returns an error matching
// fs.ErrNotExist.
type Remote interface {
	Stat(p string) (os.FileInfo, error)
	MkdirAll(p string) error
	Create(p string) (io.WriteCloser, error)
}

// SFTPRemote is a Remote over one SSH connection.
type SFTPRemote struct {
	client *sftp.Client
	conn   *ssh.Client
}

// NewSFTPRemote wraps an existing sftp client. Close only closes the
// client.
func NewSFTPRemote(client *sftp.Client) *SFTPRemote {
	return &SFTPRemote{client: client}
}

// Dial opens the SSH connection with private key authentication and
// starts an SFTP session on it.
func Dial(cfg config.SFTP, logger *slog.Logger) (*SFTPRemote, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SFTP private key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SFTP private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHosts, err)
		}
	} else {
		logger.Warn("SFTP_KNOWN_HOSTS not set, host key is not verified.")
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start SFTP session on %s: %w", addr, err)
	}
	logger.Info("SFTP connected.", slog.String("addr", addr), slog.String("user", cfg.User))
	return &SFTPRemote{client: client, conn: conn}, nil
}

func (r *SFTPRemote) Stat(p string) (os.FileInfo, error) { return r.client.Stat(p) }

func (r *SFTPRemote) MkdirAll(p string) error { return r.client.MkdirAll(p) }

func (r *SFTPRemote) Create(p string) (io.WriteCloser, error) { return r.client.Create(p) }

// Close ends the SFTP session and the SSH connection.
func (r *SFTPRemote) Close() error {
	err := r.client.Close()
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
