// Package executor runs approved actions on configured local backends.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// MaxOutputChars caps captured output so one noisy job cannot bloat
// job records and audit rows.
const MaxOutputChars = 12000

// injectable for tests
var (
	execLookPath = exec.LookPath
	geteuid      = os.Geteuid
	execVersion  = probeVersion
)

// Request is one unit of work, already authorized.
type Request struct {
	Task   string
	Cwd    string
	AsRoot bool
	Env    []string
}

// Result is the terminal outcome of a run.
type Result struct {
	Output    string
	ExitCode  int
	ErrorCode string
	Err       string
}

// Backend is a local execution engine. Probe is cheap and safe to call
// on every scheduling decision.
type Backend interface {
	Name() string
	Probe() bool
	Run(ctx context.Context, req Request) Result
}

// Select returns the first available backend, honoring an explicit
// preference when that backend probes healthy.
func Select(backends []Backend, preferred string) (Backend, bool) {
	preferred = strings.TrimSpace(preferred)
	if preferred != "" {
		for _, b := range backends {
			if b.Name() == preferred && b.Probe() {
				return b, true
			}
		}
		return nil, false
	}
	for _, b := range backends {
		if b.Probe() {
			return b, true
		}
	}
	return nil, false
}

// ProbeInfo is the diagnostics view of one backend.
type ProbeInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
}

// ProbeAll probes every backend and reports binary resolution detail.
func ProbeAll(backends []Backend) []ProbeInfo {
	out := make([]ProbeInfo, 0, len(backends))
	for _, b := range backends {
		info := ProbeInfo{Name: b.Name(), Available: b.Probe()}
		binary := "sh"
		if c, ok := b.(*CLIBackend); ok {
			binary = c.Binary
		}
		if path, err := execLookPath(binary); err == nil {
			info.Path = path
			info.Version = execVersion(path)
		}
		out = append(out, info)
	}
	return out
}

// probeVersion asks a resolved binary for its version. Binaries that do
// not speak --version report empty; only the first output line is kept.
func probeVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return line
}

// ShellBackend runs the task through the system shell.
type ShellBackend struct {
	// DowngradeUser receives work when the gateway itself runs as root
	// but the caller did not earn as_root. Empty disables downgrade.
	DowngradeUser string
}

func (s *ShellBackend) Name() string { return "shell" }

func (s *ShellBackend) Probe() bool {
	_, err := execLookPath("sh")
	return err == nil
}

func (s *ShellBackend) Run(ctx context.Context, req Request) Result {
	argv := []string{"sh", "-c", req.Task}
	if geteuid() == 0 && !req.AsRoot && s.DowngradeUser != "" {
		wrapped, ok := downgradeArgv(s.DowngradeUser, req.Task)
		if !ok {
			return Result{
				ErrorCode: models.ReasonExecutorUnavailable,
				Err:       "no privilege downgrade wrapper available",
			}
		}
		argv = wrapped
	}
	return runCommand(ctx, argv, req)
}

// CLIBackend shells out to an assistant CLI, passing the task as its
// prompt argument.
type CLIBackend struct {
	BackendName string
	Binary      string
	// PromptArgs precede the task itself, e.g. ["exec"] or ["-p"].
	PromptArgs []string
}

func (c *CLIBackend) Name() string { return c.BackendName }

func (c *CLIBackend) Probe() bool {
	_, err := execLookPath(c.Binary)
	return err == nil
}

func (c *CLIBackend) Run(ctx context.Context, req Request) Result {
	argv := append([]string{c.Binary}, c.PromptArgs...)
	argv = append(argv, req.Task)
	return runCommand(ctx, argv, req)
}

// downgradeArgv wraps a shell task so it runs as target instead of
// root, preferring runuser, then su, then sudo.
func downgradeArgv(target, task string) ([]string, bool) {
	if _, err := execLookPath("runuser"); err == nil {
		return []string{"runuser", "-u", target, "--", "sh", "-c", task}, true
	}
	if _, err := execLookPath("su"); err == nil {
		return []string{"su", "-s", "/bin/sh", target, "-c", task}, true
	}
	if _, err := execLookPath("sudo"); err == nil {
		return []string{"sudo", "-n", "-u", target, "sh", "-c", task}, true
	}
	return nil, false
}

func runCommand(ctx context.Context, argv []string, req Request) Result {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := Truncate(buf.String())

	if ctx.Err() != nil {
		return Result{
			Output:    out,
			ExitCode:  -1,
			ErrorCode: models.ReasonExecutionTimeout,
			Err:       ctx.Err().Error(),
		}
	}
	if err != nil {
		res := Result{Output: out, ExitCode: -1, ErrorCode: models.ReasonExecutionFailed, Err: err.Error()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		return res
	}
	return Result{Output: out, ExitCode: 0}
}

// Truncate caps text at MaxOutputChars, marking the cut.
func Truncate(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	return s[:MaxOutputChars] + "\n... [output truncated]"
}
