// Package firewall implements the core's side of the line protocol to
// the privileged firewall helper subprocess (§4.8): the helper's stdin
// and stdout pipes carry plaintext lines in both directions, and Wait
// reports a nonzero helper exit as an error.
package firewall

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"

	"github.com/op/go-logging"
)

// RouteEntry is one line of the ROUTES block: family,width,include,ip.
type RouteEntry struct {
	Family  int
	Width   int
	Include bool
	IP      string
}

// NameserverEntry is one line of the NSLIST block: family,ip.
type NameserverEntry struct {
	Family int
	IP     string
}

// Ports names the four redirect endpoints the helper must program rules
// for, in the order the PORTS line lists them.
type Ports struct {
	V6TCP int
	V4TCP int
	V6DNS int
	V4DNS int
}

// Client drives the helper subprocess: it owns the subprocess handle and
// the line reader/writer over its stdio.
type Client struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
	log *logging.Logger
}

// Start spawns path as the firewall helper, typically re-executing the
// same binary under sudo/setuid with a sentinel argument; stdio is
// wired as the line-protocol transport rather than a real socketpair,
// which is simpler to express portably in Go and equivalent from the
// protocol's point of view.
func Start(path string, args []string, log *logging.Logger) (*Client, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Client{cmd: cmd, in: stdin, out: bufio.NewReader(stdout), log: log}, nil
}

// ReadReady blocks for the helper's "READY <method>\n" line and returns
// the method name.
func (c *Client) ReadReady() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	method, ok := strings.CutPrefix(line, "READY ")
	if !ok {
		return "", fmt.Errorf("firewall: expected READY, got %q", line)
	}
	return method, nil
}

// SendRoutes writes the ROUTES block: the command line, one line per
// entry, then a blank terminator line.
func (c *Client) SendRoutes(entries []RouteEntry) error {
	if err := c.writeLine("ROUTES"); err != nil {
		return err
	}
	for _, e := range entries {
		inc := "0"
		if e.Include {
			inc = "1"
		}
		line := fmt.Sprintf("%d,%d,%s,%s", e.Family, e.Width, inc, e.IP)
		if err := c.writeLine(line); err != nil {
			return err
		}
	}
	return c.writeLine("")
}

// SendNameservers writes the NSLIST block.
func (c *Client) SendNameservers(entries []NameserverEntry) error {
	if err := c.writeLine("NSLIST"); err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%d,%s", e.Family, e.IP)
		if err := c.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

// SendPorts writes the PORTS line.
func (c *Client) SendPorts(p Ports) error {
	line := fmt.Sprintf("PORTS %d,%d,%d,%d", p.V6TCP, p.V4TCP, p.V6DNS, p.V4DNS)
	return c.writeLine(line)
}

// SendGo writes the GO line, releasing the helper to install rules. udp
// reports whether a UDP redirect rule should be installed too.
func (c *Client) SendGo(udp bool) error {
	v := "0"
	if udp {
		v = "1"
	}
	return c.writeLine("GO " + v)
}

// SendHost writes one HOST line, used both for relay-announced routes
// and for seeding hostnames ahead of the data plane coming up.
func (c *Client) SendHost(name string, ip net.IP) error {
	return c.writeLine("HOST " + name + "," + ip.String())
}

// AwaitStarted blocks for the helper's "STARTED\n" acknowledgement,
// completing the startup handshake in §4.7 step 1.
func (c *Client) AwaitStarted() error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if line != "STARTED" {
		return fmt.Errorf("firewall: expected STARTED, got %q", line)
	}
	return nil
}

// Wait blocks until the helper subprocess exits and returns an error for
// any nonzero status. The session manager does not call it, so a helper
// that exits after startup is not noticed by the session.
func (c *Client) Wait() error {
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("firewall: helper exited: %w", err)
	}
	return nil
}

// Close tears down the subprocess's stdio; it does not kill the process,
// since a graceful restore_firewall is expected to run to completion.
func (c *Client) Close() error {
	return c.in.Close()
}

func (c *Client) writeLine(s string) error {
	_, err := c.in.Write([]byte(s + "\n"))
	return err
}

func (c *Client) readLine() (string, error) {
	line, err := c.out.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}
