package scenario

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestScenarioFiles(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("no scenario files in testdata")
	}

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			if err := RunFile(file); err != nil {
				t.Fatalf("RunFile: %v", err)
			}
		})
	}
}

func TestParseRejectsAmbiguousStep(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
controller: { cpus: 1, interrupts: 64 }
steps:
  - name: two actions
    set_line: { line: 0, level: true }
    reset: {}
`))
	if err == nil {
		t.Fatalf("Parse accepted a step with two actions")
	}
}

func TestParseRejectsUnknownRevision(t *testing.T) {
	spec, err := Parse([]byte(`
name: bad-revision
controller: { cpus: 1, interrupts: 64, revision: v9 }
steps: []
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewRunner(spec); err == nil {
		t.Fatalf("NewRunner accepted an unknown revision")
	}
}

func TestRunReportsFailingStep(t *testing.T) {
	spec, err := Parse([]byte(`
name: mismatch
controller: { cpus: 1, interrupts: 64, revision: v2 }
steps:
  - name: typer has the wrong value
    read: { unit: dist, offset: 0x4, expect: 0x999 }
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	runner, err := NewRunner(spec)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	err = runner.Run()
	if err == nil {
		t.Fatalf("Run passed with a wrong expectation")
	}
	if !strings.Contains(err.Error(), "typer has the wrong value") {
		t.Fatalf("error does not name the failing step: %v", err)
	}
}

func TestExpectLinesRejectsUnwiredVirtual(t *testing.T) {
	spec, err := Parse([]byte(`
name: no-virt
controller: { cpus: 1, interrupts: 64, revision: v2 }
steps:
  - name: virtual line on a physical-only controller
    expect_lines: { cpu: 0, virq: false }
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	runner, err := NewRunner(spec)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Run(); err == nil {
		t.Fatalf("Run passed checking an unwired line")
	}
}
