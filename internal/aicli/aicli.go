// Package aicli is the worker-mode entry point that replaces a generated wrapper script: it
// runs as the re-exec target of a detached child process spawned by internal/supervisor,
// invokes the configured AI CLI executable against one task's instruction, and writes a
// TaskResult artifact atomically regardless of how the child exits.
package aicli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

// Instruction is the JSON payload a supervisor-spawned worker process reads on startup.
type Instruction struct {
	TaskID      string   `json:"taskId"`
	IssueID     int      `json:"issueId"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Comments    []string `json:"comments"`
	Executable  string   `json:"executable"`
	Args        []string `json:"args"`
	OutputFile  string   `json:"outputFile"`
	ResultFile  string   `json:"resultFile"`
	TimeoutSecs int      `json:"timeoutSecs"`
}

// WriteInstruction atomically writes instr to path, for the supervisor to hand to a freshly
// spawned worker process.
func WriteInstruction(path string, instr Instruction) error {
	data, err := json.MarshalIndent(instr, "", "  ")
	if err != nil {
		return fmt.Errorf("aicli: marshal instruction: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("aicli: write instruction: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadInstruction loads the instruction JSON at path.
func ReadInstruction(path string) (Instruction, error) {
	var instr Instruction
	data, err := os.ReadFile(path)
	if err != nil {
		return instr, fmt.Errorf("aicli: read instruction: %w", err)
	}
	if err := json.Unmarshal(data, &instr); err != nil {
		return instr, fmt.Errorf("aicli: malformed instruction: %w", err)
	}
	return instr, nil
}

// buildPrompt renders the instruction into the single stdin payload the AI CLI reads.
func buildPrompt(instr Instruction) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Issue #%d: %s\n\n%s\n", instr.IssueID, instr.Title, instr.Body)
	for _, c := range instr.Comments {
		buf.WriteString("\n---\n")
		buf.WriteString(c)
	}
	return buf.String()
}

// RunWorker is the worker-mode entry point invoked by cmd/poppobuilder when started with
// --worker. It reads instructionPath, shells out to the configured AI CLI with
// --print --dangerously-skip-permissions (or whatever Args the instruction carries) and the
// rendered prompt piped on stdin, redirects stdout/stderr to OutputFile, and writes a TaskResult
// to ResultFile no matter how the subprocess exits — including on a timeout or a failure to
// even start the executable, so the supervisor always finds a result to poll for.
func RunWorker(instructionPath string) int {
	instr, err := ReadInstruction(instructionPath)
	if err != nil {
		writeFailureResult("", "", err)
		return 1
	}

	result := state.TaskResult{TaskID: instr.TaskID}
	defer func() {
		result.CompletedAt = time.Now()
		if werr := writeResultAtomic(instr.ResultFile, result); werr != nil {
			fmt.Fprintln(os.Stderr, "aicli: failed to write result:", werr)
		}
	}()

	timeout := 24 * time.Hour
	if instr.TimeoutSecs > 0 {
		timeout = time.Duration(instr.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := instr.Args
	if len(args) == 0 {
		args = []string{"--print", "--dangerously-skip-permissions"}
	}
	cmd := exec.CommandContext(ctx, instr.Executable, args...)
	cmd.Stdin = bytes.NewBufferString(buildPrompt(instr))

	outFile, ferr := os.OpenFile(instr.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if ferr != nil {
		result.Success = false
		result.Error = fmt.Sprintf("failed to open output file: %v", ferr)
		result.ExitCode = 1
		return 1
	}
	defer outFile.Close()
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	runErr := cmd.Run()

	var output []byte
	if data, rerr := os.ReadFile(instr.OutputFile); rerr == nil {
		output = data
	}
	result.Output = string(output)

	if ctx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.Error = "timed out"
		result.ExitCode = -1
		return 1
	}
	if runErr != nil {
		result.Success = false
		result.Error = runErr.Error()
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
		return result.ExitCode
	}

	result.Success = true
	result.ExitCode = 0
	return 0
}

func writeFailureResult(taskID, resultFile string, err error) {
	if resultFile == "" {
		return
	}
	res := state.TaskResult{TaskID: taskID, Success: false, Error: err.Error(), ExitCode: 1, CompletedAt: time.Now()}
	_ = writeResultAtomic(resultFile, res)
}

func writeResultAtomic(path string, result state.TaskResult) error {
	if path == "" {
		return fmt.Errorf("aicli: empty result path")
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
