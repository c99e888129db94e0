package testingutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile writes data to path, creating parent directories as needed.
func WriteFile(tb testing.TB, path string, data string) {
	tb.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		tb.Fatal(err)
	} else if err := os.WriteFile(path, []byte(data), 0666); err != nil {
		tb.Fatal(err)
	}
}

// ReadFile returns the contents of path as a string.
func ReadFile(tb testing.TB, path string) string {
	tb.Helper()

	buf, err := os.ReadFile(path)
	if err != nil {
		tb.Fatal(err)
	}
	return string(buf)
}

// WaitFor polls fn until it returns true or fails the test after timeout.
func WaitFor(tb testing.TB, timeout time.Duration, fn func() bool) {
	tb.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if fn() {
			return
		}

		select {
		case <-timer.C:
			tb.Fatalf("condition not met within %s", timeout)
		case <-ticker.C:
		}
	}
}
