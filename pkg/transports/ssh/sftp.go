package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// openSFTP starts an SFTP session on the current connection.
func (c *SSHClient) openSFTP() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// ReadFile reads a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sftpClient, err := c.openSFTP()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer f.Close()

	data, err := readAllWithContext(ctx, f)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to read %s: %w", remotePath, err), IsTemporary: true}
	}

	log.Debug().Str("host", c.config.Host).Str("remote", remotePath).Int("bytes", len(data)).Msg("remote file read")
	return data, nil
}

// WriteFile writes data to a sibling temp file and renames it over
// remotePath. The posix-rename extension is used when the server offers
// it; otherwise the target is removed first.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	startTime := time.Now()

	sftpClient, err := c.openSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	mode := os.FileMode(0644)
	if info, err := sftpClient.Stat(remotePath); err == nil {
		mode = info.Mode().Perm()
	}

	tmpPath := path.Join(path.Dir(remotePath), fmt.Sprintf(".%s.%d", path.Base(remotePath), time.Now().UnixNano()))
	tmp, err := sftpClient.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create temp file: %w", err), IsTemporary: true}
	}
	defer func() { _ = sftpClient.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to write temp file: %w", err), IsTemporary: true}
	}
	if err := tmp.Close(); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to close temp file: %w", err), IsTemporary: true}
	}
	if err := sftpClient.Chmod(tmpPath, mode); err != nil {
		log.Warn().Err(err).Str("remote", tmpPath).Msg("failed to set file permissions")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.replace(sftpClient, tmpPath, remotePath); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to replace %s: %w", remotePath, err)}
	}

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int("bytes", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("remote file replaced")
	return nil
}

func (c *SSHClient) replace(client *sftp.Client, from, to string) error {
	if _, ok := client.HasExtension("posix-rename@openssh.com"); ok {
		return client.PosixRename(from, to)
	}
	if err := client.Remove(to); err != nil && !os.IsNotExist(err) {
		return err
	}
	return client.Rename(from, to)
}

// readAllWithContext reads r in chunks and stops when ctx is cancelled.
func readAllWithContext(ctx context.Context, r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
