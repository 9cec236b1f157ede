package aicli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

func TestRunWorkerSuccessWritesResult(t *testing.T) {
	dir := t.TempDir()
	instr := Instruction{
		TaskID:     "issue-1",
		IssueID:    1,
		Title:      "do the thing",
		Body:       "please do the thing",
		Executable: "true", // coreutils "true" always exits 0
		OutputFile: filepath.Join(dir, "issue-1.output"),
		ResultFile: filepath.Join(dir, "issue-1.result"),
	}
	path := filepath.Join(dir, "issue-1.instruction.json")
	if err := WriteInstruction(path, instr); err != nil {
		t.Fatalf("WriteInstruction: %v", err)
	}

	code := RunWorker(path)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	data, err := os.ReadFile(instr.ResultFile)
	if err != nil {
		t.Fatalf("expected result file written: %v", err)
	}
	var result state.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success || result.TaskID != "issue-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunWorkerFailureStillWritesResult(t *testing.T) {
	dir := t.TempDir()
	instr := Instruction{
		TaskID:     "issue-2",
		Executable: "false", // coreutils "false" always exits 1
		OutputFile: filepath.Join(dir, "issue-2.output"),
		ResultFile: filepath.Join(dir, "issue-2.result"),
	}
	path := filepath.Join(dir, "issue-2.instruction.json")
	if err := WriteInstruction(path, instr); err != nil {
		t.Fatalf("WriteInstruction: %v", err)
	}

	code := RunWorker(path)
	if code == 0 {
		t.Fatalf("expected non-zero exit")
	}

	var result state.TaskResult
	data, err := os.ReadFile(instr.ResultFile)
	if err != nil {
		t.Fatalf("expected result file written even on failure: %v", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Success {
		t.Fatalf("expected Success=false")
	}
}

func TestRunWorkerMissingInstructionFile(t *testing.T) {
	code := RunWorker("/nonexistent/path/instruction.json")
	if code != 1 {
		t.Fatalf("expected exit 1 for missing instruction file, got %d", code)
	}
}
