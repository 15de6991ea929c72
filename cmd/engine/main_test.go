package main

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// TestEngine_ConfigErrorIsLogged re-executes the test binary as the engine
// with a broken environment and checks the fatal log reaches stderr.
func TestEngine_ConfigErrorIsLogged(t *testing.T) {
	if os.Getenv("ENGINE_MAIN_HELPER") == "1" {
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestEngine_ConfigErrorIsLogged$")
	cmd.Env = append(os.Environ(), "ENGINE_MAIN_HELPER=1", "DB_PING_TIMEOUT=soon")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected the engine to exit with an error, got %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Failed to load configuration") {
		t.Errorf("Expected the configuration error to be logged, got:\n%s", out)
	}
	if !strings.Contains(string(out), "DB_PING_TIMEOUT") {
		t.Errorf("Expected the offending variable in the log, got:\n%s", out)
	}
}
