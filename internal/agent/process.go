package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
)

// ProcessRunner shells out to a configurable agent command. Generated flags
// tell the process what to work on; everything else about driving a
// concrete CLI lives in the command itself.
type ProcessRunner struct {
	command string
	args    []string
	timeout time.Duration
	procs   *processGroup
	log     *logging.Logger
}

// NewProcessRunner builds a runner from the driver config.
func NewProcessRunner(cfg config.DriverConfig, log *logging.Logger) *ProcessRunner {
	return &ProcessRunner{
		command: cfg.Command,
		args:    cfg.CommandArgs,
		timeout: cfg.RunTimeout,
		procs:   newProcessGroup(),
		log:     log.Named("agent"),
	}
}

// Run executes one assignment. The optional trailing JSON line on stdout
// hands back structured failure data; without it a failed run is classified
// downstream from the captured output.
func (r *ProcessRunner) Run(ctx context.Context, a Assignment) (*Result, error) {
	if a.Task == nil {
		return nil, fmt.Errorf("assignment has no task")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.args)+10)
	args = append(args, r.args...)
	args = append(args, "--task", a.Task.ID, "--phase", string(a.Phase), "--agent", a.AgentID)
	if a.Selection != nil {
		args = append(args, "--model", a.Selection.Model, "--provider", a.Selection.Provider)
	}

	cmd := newCommand(ctx, r.command, args...)
	start := time.Now()
	stdout, stderr, runErr := r.execute(cmd)
	elapsed := time.Since(start)
	if runErr != nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%v: %w", runErr, ctx.Err())
	}

	res := &Result{
		Success:         runErr == nil,
		Output:          combineOutput(stdout, stderr, runErr),
		DurationSeconds: elapsed.Seconds(),
	}
	applyReportLine(res, stdout)
	if runErr != nil {
		res.Success = false
	}

	r.log.Debug("agent run finished",
		zap.String("task", a.Task.ID),
		zap.String("phase", string(a.Phase)),
		zap.Bool("success", res.Success),
		zap.Float64("duration_s", res.DurationSeconds),
	)
	return res, nil
}

// KillAll terminates every process this runner still tracks. Called on
// shutdown.
func (r *ProcessRunner) KillAll() error {
	return r.procs.killAll()
}

// Running returns the number of live agent processes.
func (r *ProcessRunner) Running() int {
	return r.procs.count()
}

// execute starts the command and drains both pipes before Wait, so output
// beyond the pipe buffer cannot deadlock the subprocess.
func (r *ProcessRunner) execute(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start agent command: %w", err)
	}
	r.procs.track(cmd)
	defer r.procs.untrack(cmd)

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), cmd.Wait()
}

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be terminated together. Cancellation signals the
// group, not just the leader; a leader-only kill would leave grandchildren
// holding the output pipes open past the deadline.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	return cmd
}

// reportLine is the optional last stdout line an agent prints to hand back
// structured outcome data: the verdict, failure details, and the evidence
// block the enforcer reads at phase boundaries.
type reportLine struct {
	Success     *bool           `json:"success"`
	FailureType string          `json:"failure_type"`
	StatusCode  int             `json:"status_code"`
	Evidence    json.RawMessage `json:"evidence"`
}

func applyReportLine(res *Result, stdout []byte) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 || last[0] != '{' {
		return
	}
	var rep reportLine
	if err := json.Unmarshal(last, &rep); err != nil {
		return
	}
	if rep.Success != nil {
		res.Success = *rep.Success
	}
	if rep.FailureType != "" {
		res.FailureType = rep.FailureType
	}
	if rep.StatusCode != 0 {
		res.StatusCode = rep.StatusCode
	}
	if len(rep.Evidence) > 0 {
		res.Evidence = rep.Evidence
	}
}

func combineOutput(stdout, stderr []byte, runErr error) string {
	var out strings.Builder
	out.Write(bytes.TrimSpace(stdout))
	if s := bytes.TrimSpace(stderr); len(s) > 0 {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.Write(s)
	}
	if runErr != nil {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(runErr.Error())
	}
	return out.String()
}

// processGroup tracks running agent processes so shutdown can terminate
// whole process trees, not just the immediate children.
type processGroup struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func newProcessGroup() *processGroup {
	return &processGroup{procs: make(map[int]*exec.Cmd)}
}

func (g *processGroup) track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.procs[cmd.Process.Pid] = cmd
}

func (g *processGroup) untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.procs, cmd.Process.Pid)
}

// killAll sends SIGKILL to every tracked process group. The negative pid
// addresses the group, taking child processes down with the leader.
func (g *processGroup) killAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for pid := range g.procs {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process group %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing agent processes: %v", errs)
	}
	return nil
}

func (g *processGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}
