package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pylan/sshuttle"
)

// initString is the fixed 12-byte handshake marker the relay writes
// after two leading NUL bytes (§4.7 step 2).
const initString = "SSHUTTLE0001"

// Relay is the remote mux endpoint: a subprocess (an interactive shell
// client reaching the relay executable) whose stdin/stdout carry the
// wire protocol once the handshake completes.
type Relay struct {
	cmd       *exec.Cmd
	stream    io.ReadWriteCloser
	stdoutRaw *os.File
}

type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}

// StartRelay spawns the shell client and blocks until the handshake
// marker is read off its stdout, or returns sshuttle.ErrHandshakeFailed.
func StartRelay(path string, args []string) (*Relay, error) {
	cmd := exec.Command(path, args...)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stdout, ok := stdoutPipe.(*os.File)
	if !ok {
		return nil, fmt.Errorf("relay: unexpected stdout pipe type %T", stdoutPipe)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	marker := make([]byte, 2+len(initString))
	if _, err := io.ReadFull(stdout, marker); err != nil {
		return nil, fmt.Errorf("relay: reading handshake: %w", err)
	}
	if marker[0] != 0 || marker[1] != 0 || !bytes.Equal(marker[2:], []byte(initString)) {
		return nil, sshuttle.ErrHandshakeFailed
	}

	stream := &rwc{Reader: stdout, Writer: stdinPipe, Closer: stdinPipe}
	return &Relay{cmd: cmd, stream: stream, stdoutRaw: stdout}, nil
}

// Stream exposes the relay's stdio as the Mux's underlying byte stream.
func (r *Relay) Stream() io.ReadWriter { return r.stream }

// FD returns the raw descriptor backing the relay's stdout, for
// registering the mux stream directly with the event loop's poll set.
func (r *Relay) FD() int { return int(r.stdoutRaw.Fd()) }

// Exited reports whether the subprocess has already exited, used by the
// event loop's per-iteration liveness check (§4.4 step 1).
func (r *Relay) Exited() bool {
	return r.cmd.ProcessState != nil
}

// Close closes the write side of the relay's stdio.
func (r *Relay) Close() error {
	return r.stream.Close()
}
