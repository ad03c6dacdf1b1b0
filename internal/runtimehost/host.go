// Package runtimehost supervises a built deployment artifact as a local
// subprocess, handing it its pre-bound listener socket as an inherited file
// descriptor. This is the concrete RuntimeHost the deployment engine wires
// by default; the capability boundary (internal/deploy/capability.RuntimeHost)
// admits any compatible implementation.
package runtimehost

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/deployengine/core/internal/deploy/capability"
)

// listenerFD is the file descriptor number the child process finds its
// inherited listener on: stdin(0)/stdout(1)/stderr(2) plus ExtraFiles[0].
const listenerFD = 3

// Host runs built Go binaries directly as OS subprocesses.
type Host struct {
	env []string
}

// New builds a Host. env is appended to each child's environment in
// addition to the process's own.
func New(env []string) *Host {
	return &Host{env: env}
}

// Load starts artifactPath as a subprocess, handing it listener via an
// inherited file descriptor and DEPLOY_LISTEN_FD=3 so the artifact knows
// where to find it.
func (h *Host) Load(ctx context.Context, artifactPath string, listener net.Listener, factory capability.ProvisionerFactory, runtimeLogger capability.RuntimeLogger) (capability.Handle, error) {
	tcpListener, ok := listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("runtimehost: listener is not a *net.TCPListener")
	}
	listenerFile, err := tcpListener.File()
	if err != nil {
		return nil, fmt.Errorf("runtimehost: dup listener fd: %w", err)
	}

	cmd := exec.Command(artifactPath)
	cmd.ExtraFiles = []*os.File{listenerFile}
	cmd.Env = append(os.Environ(), h.env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("DEPLOY_LISTEN_FD=%d", listenerFD),
		fmt.Sprintf("DEPLOY_SERVICE_NAME=%s", factory.GetServiceName()),
		fmt.Sprintf("DEPLOY_ENVIRONMENT=%s", factory.GetEnvironment()),
		fmt.Sprintf("DEPLOY_STORAGE_PATH=%s", factory.GetStoragePath()),
	)
	secrets, err := factory.GetSecrets(ctx)
	if err == nil {
		for k, v := range secrets {
			cmd.Env = append(cmd.Env, fmt.Sprintf("SECRET_%s=%s", k, v))
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		listenerFile.Close()
		return nil, fmt.Errorf("runtimehost: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		listenerFile.Close()
		return nil, fmt.Errorf("runtimehost: start: %w", err)
	}
	listenerFile.Close() // the child now holds its own dup

	h2 := &handle{cmd: cmd, done: make(chan struct{})}
	go h2.pipeOutput(stdout, runtimeLogger)
	go h2.wait()

	return h2, nil
}

type handle struct {
	cmd      *exec.Cmd
	mu       sync.Mutex
	waitErr  error
	exitCode int
	done     chan struct{}
}

func (h *handle) pipeOutput(r interface {
	Read(p []byte) (int, error)
}, logger capability.RuntimeLogger) {
	if logger == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.WriteLine(scanner.Text())
	}
}

func (h *handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the subprocess exits or ctx is cancelled, in which case
// it is killed and reported as Stopped.
func (h *handle) Wait(ctx context.Context) (capability.Outcome, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.exitCode == 0 && h.waitErr == nil {
			return capability.OutcomeCompleted, nil
		}
		return capability.OutcomeCrashed, h.waitErr
	case <-ctx.Done():
		_ = h.Kill(context.Background())
		<-h.done
		return capability.OutcomeStopped, nil
	}
}

// Kill sends SIGKILL to the subprocess (os.Process.Kill).
func (h *handle) Kill(context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
