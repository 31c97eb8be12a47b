package server

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

const probeInterval = 100 * time.Millisecond

// DaemonCommand is the executable ServerProcess spawns by default.
const DaemonCommand = "mmcore-daemon"

// ServerHandle supervises a daemon acquired through ServerProcess. Close
// terminates the child only if this handle spawned it.
type ServerHandle struct {
	Addr rpc.Address

	cmd   *exec.Cmd
	owned bool
	log   *zap.Logger
}

// Owned reports whether Close will terminate the daemon.
func (h *ServerHandle) Owned() bool { return h.owned }

// Close terminates and waits for the spawned child. A handle attached to a
// daemon someone else started never touches it.
func (h *ServerHandle) Close() error {
	if !h.owned || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	h.log.Info("terminating spawned daemon", zap.Int("pid", h.cmd.Process.Pid))
	if err := h.cmd.Process.Kill(); err != nil {
		return err
	}
	h.cmd.Wait()
	return nil
}

// BootstrapParams configures ServerProcess.
type BootstrapParams struct {
	Host    string        // default DefaultHost
	Port    int           // default DefaultPort
	Timeout time.Duration // default 3s, the window for the child to come up

	// Command overrides the spawned command line; defaults to
	// [DaemonCommand, "--host", host, "--port", port].
	Command []string

	Logger *zap.Logger
}

// ServerProcess is the scoped-acquisition helper: if a daemon already
// answers at host:port it attaches without taking ownership; otherwise it
// spawns one, polls the liveness probe up to Timeout, and hands back an
// owning handle.
func ServerProcess(ctx context.Context, params BootstrapParams) (*ServerHandle, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	host := params.Host
	if host == "" {
		host = DefaultHost
	}
	port := params.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	addr := rpc.Address{Scheme: rpc.SchemeTCP, Object: CoreName, Host: host, Port: port}
	log := logger.With(zap.String("component", "bootstrap"))

	if Probe(ctx, addr) {
		log.Info("attached to already-running daemon", zap.String("addr", addr.String()))
		return &ServerHandle{Addr: addr, owned: false, log: log}, nil
	}

	argv := params.Command
	if len(argv) == 0 {
		argv = []string{DaemonCommand, "--host", host, "--port", strconv.Itoa(port)}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, &errors.ConnectionError{Addr: addr.HostPort(), Cause: err}
	}
	log.Info("spawned daemon", zap.Strings("argv", argv), zap.Int("pid", cmd.Process.Pid))

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Probe(ctx, addr) {
			return &ServerHandle{Addr: addr, cmd: cmd, owned: true, log: log}, nil
		}
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
			cmd.Wait()
			return nil, ctx.Err()
		case <-time.After(probeInterval):
		}
	}

	cmd.Process.Kill()
	cmd.Wait()
	return nil, &errors.TimeoutError{Addr: addr.HostPort(), Timeout: timeout}
}

// Probe reports whether a daemon answers the liveness call at addr.
func Probe(ctx context.Context, addr rpc.Address) bool {
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	conn, err := rpc.DialConn(probeCtx, addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	reply, err := conn.Call(probeCtx, addr.Object, "ping", nil)
	if err != nil {
		return false
	}
	s, _ := reply.(string)
	return s == PingReply
}
