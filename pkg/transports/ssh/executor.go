package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host. When ctx has no deadline
// the command is bounded by the configured command timeout.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			}
		}
		return stdout, stderr, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: !errors.Is(execErr, context.Canceled),
		}
	}

	return stdout, stderr, nil
}

// PlatformVersion runs the configured version command and parses the
// major version it prints.
func (c *SSHClient) PlatformVersion(ctx context.Context) (int, error) {
	stdout, _, err := c.ExecuteCommand(ctx, c.config.VersionCommand)
	if err != nil {
		return 0, err
	}
	return parseVersion(stdout)
}

// parseVersion accepts "10" as well as dotted forms such as "10.0.17763".
func parseVersion(out string) (int, error) {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, '.'); i >= 0 {
		out = out[:i]
	}
	v, err := strconv.Atoi(out)
	if err != nil || v < 0 {
		return 0, &TransportError{Op: "probe", Err: fmt.Errorf("unexpected platform version output %q", out)}
	}
	return v, nil
}
