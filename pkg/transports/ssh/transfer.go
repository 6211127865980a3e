package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// Upload copies a local file to the remote host via SFTP. Parent
// directories are created, and the file is written under a temporary name
// and renamed into place so a running copy is never truncated.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	started := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	client, err := c.getClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", remotePath, time.Now().UnixNano())
	remoteFile, err := sftpClient.Create(tmpPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err == nil && mode != 0 {
		err = sftpClient.Chmod(tmpPath, mode)
	}
	if err == nil {
		err = sftpClient.PosixRename(tmpPath, remotePath)
	}
	if err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	c.log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(started)).
		Msg("file uploaded")
	return nil
}

// Checksum returns the SHA256 of a remote file, or "" when it does not exist.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.Run(ctx, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", nil
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output: %q", result.Stdout)}
	}
	return fields[0], nil
}

// Sync uploads localPath unless the remote file already has the same
// content. It reports whether an upload happened.
func (c *Client) Sync(ctx context.Context, localPath, remotePath string, mode os.FileMode) (bool, error) {
	local, err := localChecksum(localPath)
	if err != nil {
		return false, &TransportError{Op: "sync", Err: err}
	}
	remote, err := c.Checksum(ctx, remotePath)
	if err != nil {
		return false, err
	}
	if remote == local {
		return false, nil
	}
	if err := c.Upload(ctx, localPath, remotePath, mode); err != nil {
		return false, err
	}
	return true, nil
}

func localChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// ShellQuote quotes s for the remote POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
