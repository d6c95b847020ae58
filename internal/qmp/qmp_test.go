package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/nyxlabs/gvmd/internal/gvmerr"
)

// fakeServer accepts one connection, sends the QMP greeting, answers
// qmp_capabilities, then answers every subsequent command with what reply
// returns for it: the canned response, or a protocol error when reply
// returns a non-nil *qmpError.
func fakeServer(t *testing.T, reply func(command string) (any, *qmpError)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte(`{"QMP": {"version": {}, "capabilities": []}}` + "\n"))

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var cmd qmpCommand
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				return
			}
			if cmd.Execute == "qmp_capabilities" {
				conn.Write([]byte(`{"return": {}}` + "\n"))
				continue
			}
			ret, qerr := reply(cmd.Execute)
			var resp qmpResponse
			if qerr != nil {
				resp.Error = qerr
			} else {
				b, _ := json.Marshal(ret)
				resp.Return = b
			}
			line, _ := json.Marshal(resp)
			conn.Write(append(line, '\n'))
		}
	}()

	return sock
}

func TestQueryStatus(t *testing.T) {
	sock := fakeServer(t, func(cmd string) (any, *qmpError) {
		if cmd != "query-status" {
			t.Fatalf("unexpected command %q", cmd)
		}
		return VMStatus{Status: "running", Running: true}, nil
	})

	c := NewUnixClient(sock)
	st, err := c.QueryStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "running" || !st.Running {
		t.Errorf("got %+v", st)
	}
}

func TestQueryCPUs(t *testing.T) {
	sock := fakeServer(t, func(cmd string) (any, *qmpError) {
		return []CPUInfo{{CPUIndex: 0, QOMPath: "/machine/unattached/device[0]", ThreadID: 1234}}, nil
	})

	c := NewUnixClient(sock)
	cpus, err := c.QueryCPUs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cpus) != 1 || cpus[0].ThreadID != 1234 {
		t.Errorf("got %+v", cpus)
	}
}

func TestProtocolErrorSurfaced(t *testing.T) {
	sock := fakeServer(t, func(cmd string) (any, *qmpError) {
		return nil, &qmpError{Class: "GenericError", Desc: "vcpus already stopped"}
	})

	c := NewUnixClient(sock)
	err := c.Stop(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if gvmerr.KindOf(err) != gvmerr.HypervisorProtocolFailed {
		t.Fatalf("kind = %v, want HypervisorProtocolFailed", gvmerr.KindOf(err))
	}
}

// A failure to dial the control socket is an I/O failure, not a protocol
// failure: the peer never got a chance to reject anything. This must be
// distinguishable by Kind from TestProtocolErrorSurfaced above.
func TestDialFailureIsTypedError(t *testing.T) {
	c := NewUnixClient(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	_, err := c.QueryStatus(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if gvmerr.KindOf(err) != gvmerr.HypervisorIOFailed {
		t.Fatalf("kind = %v, want HypervisorIOFailed", gvmerr.KindOf(err))
	}
}
