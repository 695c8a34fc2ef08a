// Package transfer stages local scripts on remote hosts over SFTP.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultRemoteDir is where scripts are staged when no directory is given.
const DefaultRemoteDir = "/tmp"

// StageFile uploads the file at localPath into remoteDir under a name that is
// unique per call, verifies it by SHA-256 and marks it executable by the
// owner. The returned cleanup removes the staged copy; it must be called
// while the connection is still open.
func StageFile(ctx context.Context, sshClient *ssh.Client, localPath, remoteDir string) (remotePath string, cleanup func() error, err error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", nil, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	if remoteDir == "" {
		remoteDir = DefaultRemoteDir
	}
	// path, not filepath: the remote side is always a Unix path.
	remotePath = path.Join(remoteDir, stagedName(localPath))

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return "", nil, fmt.Errorf("create remote dir %s: %w", remoteDir, err)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return "", nil, fmt.Errorf("create remote file: %w", err)
	}

	cleanup = func() error {
		c, err := sftp.NewClient(sshClient)
		if err != nil {
			return fmt.Errorf("sftp client: %w", err)
		}
		defer c.Close()
		if err := c.Remove(remotePath); err != nil {
			return fmt.Errorf("remove %s: %w", remotePath, err)
		}
		return nil
	}

	hasher := sha256.New()
	_, err = copyWithContext(ctx, io.MultiWriter(remoteFile, hasher), localFile)
	// Close before verifying so the writes are flushed.
	remoteFile.Close()
	if err != nil {
		sftpClient.Remove(remotePath)
		return "", nil, fmt.Errorf("copy: %w", err)
	}

	localSum := hex.EncodeToString(hasher.Sum(nil))
	remoteSum, err := remoteSHA256(sftpClient, remotePath)
	if err != nil {
		sftpClient.Remove(remotePath)
		return "", nil, fmt.Errorf("remote checksum verification failed: %w", err)
	}
	if remoteSum != localSum {
		sftpClient.Remove(remotePath)
		return "", nil, fmt.Errorf("checksum mismatch: local=%s remote=%s", localSum, remoteSum)
	}

	if err := sftpClient.Chmod(remotePath, 0700); err != nil {
		sftpClient.Remove(remotePath)
		return "", nil, fmt.Errorf("chmod %s: %w", remotePath, err)
	}

	return remotePath, cleanup, nil
}

// stagedName keeps the script's base name so it still shows up in process
// listings, prefixed to avoid collisions between concurrent runs.
func stagedName(localPath string) string {
	return fmt.Sprintf("fanout-%s-%s", uuid.NewString(), filepath.Base(localPath))
}

// remoteSHA256 reads a remote file back over SFTP and hashes it, so the
// remote host needs no sha256sum binary.
func remoteSHA256(sftpClient *sftp.Client, remotePath string) (string, error) {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote file for checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyWithContext copies in chunks, checking ctx between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
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
