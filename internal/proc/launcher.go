// Package proc launches and supervises the interpreter subprocess. It
// resolves a chain of launcher candidates, materializes the embedded
// interpreter script, wires the three standard pipes, and guarantees
// child termination on teardown.
package proc

import (
	"fmt"
	"os"
	"time"
)

// Candidate sources, in resolution priority order.
const (
	SourceOverride = "override"
	SourceManaged  = "managed"
	SourceSystem   = "system"
)

// managedRuntime is the version-pinned interpreter invocation. uv
// provisions the pinned python and the dill dependency on first use.
var managedRuntime = []string{"uv", "run", "--python", "3.13", "--with", "dill", "python3"}

// Config controls how the interpreter is launched.
type Config struct {
	// InterpreterOverride forces a specific interpreter command; when
	// set it is the only candidate tried.
	InterpreterOverride string
	// SandboxConfig is a syd configuration path. When set, every
	// candidate is wrapped by the sandbox launcher.
	SandboxConfig string
	// WorkingDir is the subprocess working directory.
	WorkingDir string
	// Env holds extra environment variables for the subprocess.
	Env map[string]string
	// ShutdownGrace is the SIGTERM-to-SIGKILL window.
	ShutdownGrace time.Duration
}

// Candidate is one launchable command line.
type Candidate struct {
	Source  string
	Program string
	Args    []string
}

// String renders the candidate for logs and errors.
func (c Candidate) String() string {
	return fmt.Sprintf("%s: %s %v", c.Source, c.Program, c.Args)
}

// LaunchError reports that no candidate could start. Candidate and
// Cause describe the final failure; earlier failures are logged.
type LaunchError struct {
	Candidate Candidate
	Cause     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed (%s): %v", e.Candidate, e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }

// Candidates resolves the launcher chain for a given script path. An
// explicit override wins outright; otherwise the managed runtime is
// tried first with the system interpreter as fallback. A sandbox
// configuration wraps every candidate.
func Candidates(cfg Config, scriptPath string) []Candidate {
	var chain []Candidate

	if cfg.InterpreterOverride != "" {
		chain = []Candidate{{
			Source:  SourceOverride,
			Program: cfg.InterpreterOverride,
			Args:    []string{scriptPath},
		}}
	} else {
		chain = []Candidate{
			{
				Source:  SourceManaged,
				Program: managedRuntime[0],
				Args:    append(append([]string{}, managedRuntime[1:]...), scriptPath),
			},
			{
				Source:  SourceSystem,
				Program: "python3",
				Args:    []string{scriptPath},
			},
		}
	}

	if cfg.SandboxConfig != "" {
		for i, c := range chain {
			chain[i] = sandboxWrap(c, cfg.SandboxConfig)
		}
	}
	return chain
}

// sandboxWrap wraps a candidate in the syd sandbox launcher.
func sandboxWrap(c Candidate, sandboxConfig string) Candidate {
	sydPath := os.Getenv("SYD_PATH")
	if sydPath == "" {
		sydPath = "syd"
	}
	args := []string{"-c", sandboxConfig, "--", c.Program}
	args = append(args, c.Args...)
	return Candidate{Source: c.Source, Program: sydPath, Args: args}
}
