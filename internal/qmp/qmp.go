// Package qmp implements the Control-Socket Client: a request/response
// client for the hypervisor's line-oriented JSON control socket (QEMU's
// Monitor Protocol). Each call opens a fresh connection, performs the QMP
// greeting/capabilities handshake, sends exactly one command, reads exactly
// one response, and closes the connection — there is no connection pool
// and no persistent background reader, per SPEC_FULL.md section 4.2.
//
// Dialing, writing, and reading the socket are distinguished from the peer
// rejecting a command: the former fails with gvmerr.HypervisorIOFailed, the
// latter with gvmerr.HypervisorProtocolFailed, matching the three distinct
// outcomes spec.md section 4.2 names (success, protocol error from the
// peer, I/O error).
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/nyxlabs/gvmd/internal/gvmerr"
)

// VMStatus is the response shape for a query-status command.
type VMStatus struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// CPUInfo is one element of the response list for a query-cpus command.
type CPUInfo struct {
	CPUIndex int    `json:"cpu-index"`
	QOMPath  string `json:"qom-path"`
	ThreadID int    `json:"thread-id"`
}

// MemoryInfo is the response shape for a query-memory command.
type MemoryInfo struct {
	BaseMemory uint64 `json:"base-memory"`
}

// Client speaks the control-socket protocol against one socket path.
// Implementations must dial, handshake, and close a fresh connection per
// call — see the package doc.
type Client interface {
	QueryStatus(ctx context.Context) (VMStatus, error)
	QueryCPUs(ctx context.Context) ([]CPUInfo, error)
	QueryMemory(ctx context.Context) (MemoryInfo, error)
	PowerDown(ctx context.Context) error
	Quit(ctx context.Context) error
	Stop(ctx context.Context) error
	Continue(ctx context.Context) error
	SuspendSystem(ctx context.Context) error
	WakeSystem(ctx context.Context) error
	ResetSystem(ctx context.Context) error
}

// UnixClient is the real Client implementation, dialing a Unix-domain
// control socket.
type UnixClient struct {
	SocketPath string
}

// NewUnixClient returns a Client that dials socketPath for every call.
func NewUnixClient(socketPath string) *UnixClient {
	return &UnixClient{SocketPath: socketPath}
}

type qmpCommand struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *qmpError       `json:"error"`
}

// sendLine writes one newline-delimited JSON command, respecting ctx's
// deadline.
func sendLine(ctx context.Context, conn net.Conn, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := conn.Write(msg)
	return err
}

// recvLine reads one newline-delimited JSON value from scanner, respecting
// ctx's deadline on conn.
func recvLine(ctx context.Context, conn net.Conn, scanner *bufio.Scanner) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	if scanner.Scan() {
		line := scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

// execute performs the full per-call lifecycle: dial, read the greeting,
// negotiate capabilities, send one command, read its response, close.
func (c *UnixClient) execute(ctx context.Context, command string, args any) (json.RawMessage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorIOFailed, err, "dial control socket %q", c.SocketPath)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	// Discard the QMP greeting line.
	if _, err := recvLine(ctx, conn, scanner); err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorIOFailed, err, "read QMP greeting")
	}

	if err := c.call(ctx, conn, scanner, "qmp_capabilities", nil); err != nil {
		return nil, err
	}

	return c.callReturning(ctx, conn, scanner, command, args)
}

func (c *UnixClient) call(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, command string, args any) error {
	_, err := c.callReturning(ctx, conn, scanner, command, args)
	return err
}

func (c *UnixClient) callReturning(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, command string, args any) (json.RawMessage, error) {
	payload, err := json.Marshal(qmpCommand{Execute: command, Arguments: args})
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.Internal, err, "marshal command %q", command)
	}
	if err := sendLine(ctx, conn, payload); err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorIOFailed, err, "send command %q", command)
	}

	line, err := recvLine(ctx, conn, scanner)
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorIOFailed, err, "read response to %q", command)
	}

	var resp qmpResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorProtocolFailed, err, "unparseable response to %q", command)
	}
	if resp.Error != nil {
		return nil, gvmerr.New(gvmerr.HypervisorProtocolFailed, "%s rejected %q: %s", resp.Error.Class, command, resp.Error.Desc)
	}
	return resp.Return, nil
}

func (c *UnixClient) QueryStatus(ctx context.Context) (VMStatus, error) {
	raw, err := c.execute(ctx, "query-status", nil)
	if err != nil {
		return VMStatus{}, err
	}
	var s VMStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return VMStatus{}, gvmerr.Wrap(gvmerr.HypervisorProtocolFailed, err, "unparseable query-status response")
	}
	return s, nil
}

func (c *UnixClient) QueryCPUs(ctx context.Context) ([]CPUInfo, error) {
	raw, err := c.execute(ctx, "query-cpus-fast", nil)
	if err != nil {
		return nil, err
	}
	var cpus []CPUInfo
	if err := json.Unmarshal(raw, &cpus); err != nil {
		return nil, gvmerr.Wrap(gvmerr.HypervisorProtocolFailed, err, "unparseable query-cpus-fast response")
	}
	return cpus, nil
}

func (c *UnixClient) QueryMemory(ctx context.Context) (MemoryInfo, error) {
	raw, err := c.execute(ctx, "query-memory-size-summary", nil)
	if err != nil {
		return MemoryInfo{}, err
	}
	var m MemoryInfo
	if err := json.Unmarshal(raw, &m); err != nil {
		return MemoryInfo{}, gvmerr.Wrap(gvmerr.HypervisorProtocolFailed, err, "unparseable query-memory-size-summary response")
	}
	return m, nil
}

func (c *UnixClient) PowerDown(ctx context.Context) error {
	_, err := c.execute(ctx, "system_powerdown", nil)
	return err
}

func (c *UnixClient) Quit(ctx context.Context) error {
	_, err := c.execute(ctx, "quit", nil)
	return err
}

func (c *UnixClient) Stop(ctx context.Context) error {
	_, err := c.execute(ctx, "stop", nil)
	return err
}

func (c *UnixClient) Continue(ctx context.Context) error {
	_, err := c.execute(ctx, "cont", nil)
	return err
}

func (c *UnixClient) SuspendSystem(ctx context.Context) error {
	_, err := c.execute(ctx, "system_suspend", nil)
	return err
}

func (c *UnixClient) WakeSystem(ctx context.Context) error {
	_, err := c.execute(ctx, "system_wakeup", nil)
	return err
}

func (c *UnixClient) ResetSystem(ctx context.Context) error {
	_, err := c.execute(ctx, "system_reset", nil)
	return err
}
