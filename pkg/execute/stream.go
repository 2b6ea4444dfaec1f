package execute

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxLineSize bounds a single streamed output line (build logs can emit
// very long lines).
const maxLineSize = 1024 * 1024

// StreamRunner spawns child processes and streams their output line by
// line while they run. Stdout and stderr are drained concurrently by two
// reader goroutines, joined before the result is returned, so a full pipe
// buffer can never deadlock a step.
type StreamRunner struct {
	Sink OutputSink
}

// Run executes the invocation. The child inherits the parent environment
// with the step overlay applied on top. Cancelling ctx terminates the
// child before Run returns; a configured timeout does the same and yields
// a TimeoutError.
func (r *StreamRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	sink := r.Sink
	if sink == nil {
		sink = discardSink{}
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	// Steps run in their own process group so that timeout and
	// cancellation terminate grandchildren too, not just the direct
	// child. A surviving grandchild would hold the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", inv.Argv[0], err)
	}

	var outBuf, errBuf strings.Builder
	var outErr, errErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, stdout, "stdout", sink, captureBuf(inv.Capture, &outBuf), &outErr)
	go drain(&wg, stderr, "stderr", sink, captureBuf(inv.Capture, &errBuf), &errErr)
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && inv.Timeout > 0 {
				return nil, &TimeoutError{Argv: inv.Argv, Timeout: inv.Timeout}
			}
			return nil, fmt.Errorf("run %q: %w", inv.Argv[0], waitErr)
		}
	}
	// CommandContext kills the child on expiry but the process may still
	// report a plain non-zero exit; prefer the timeout diagnosis.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && inv.Timeout > 0 {
		return nil, &TimeoutError{Argv: inv.Argv, Timeout: inv.Timeout}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run %q: %w", inv.Argv[0], err)
	}
	if outErr != nil {
		return nil, fmt.Errorf("read stdout of %q: %w", inv.Argv[0], outErr)
	}
	if errErr != nil {
		return nil, fmt.Errorf("read stderr of %q: %w", inv.Argv[0], errErr)
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: duration,
	}, nil
}

// captureBuf returns the capture destination, or nil when streaming only.
func captureBuf(capture bool, buf *strings.Builder) *strings.Builder {
	if capture {
		return buf
	}
	return nil
}

// drain reads one stream line by line, forwarding each line to the sink
// as it arrives and optionally accumulating the full text. The pipe is
// always consumed to EOF, even after a scan error such as an oversized
// line: a reader that stops early leaves the child blocked writing into a
// full pipe buffer, and Wait never returns. The scan error, if any, is
// stored in errp after the remainder has been drained.
func drain(wg *sync.WaitGroup, r io.Reader, stream string, sink OutputSink, buf *strings.Builder, errp *error) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		sink.Line(stream, line)
		if buf != nil {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	err := sc.Err()
	if err == nil {
		return
	}
	rest, _ := io.ReadAll(r)
	if len(rest) > 0 {
		chunk := string(rest)
		sink.Line(stream, chunk)
		if buf != nil {
			buf.WriteString(chunk)
		}
	}
	*errp = err
}

// mergeEnv overlays step environment variables on the parent environment.
// Later entries win for duplicate keys, so the overlay simply appends.
func mergeEnv(parent []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return parent
	}
	merged := make([]string, 0, len(parent)+len(overlay))
	merged = append(merged, parent...)
	for k, v := range overlay {
		merged = append(merged, k+"="+v)
	}
	return merged
}
