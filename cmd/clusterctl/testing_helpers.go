package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useStore points the global flags at a fresh store directory.
func useStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	saved := []any{storeDir, blockSize, cacheBlockSize, partSize, jsonOut, quiet, compactInPlace, logger}
	t.Cleanup(func() {
		storeDir = saved[0].(string)
		blockSize = saved[1].(int)
		cacheBlockSize = saved[2].(int)
		partSize = saved[3].(int64)
		jsonOut = saved[4].(bool)
		quiet = saved[5].(bool)
		compactInPlace = saved[6].(bool)
		logger = saved[7].(*slog.Logger)
	})

	storeDir = dir
	blockSize, cacheBlockSize, partSize = 64, 32, 0
	jsonOut, quiet, compactInPlace = false, false, false
	logger = slog.New(slog.DiscardHandler)
	return dir
}

// writeMessage writes a small message file and returns its path and content.
func writeMessage(t *testing.T, i int) (string, []byte) {
	t.Helper()
	raw := fmt.Appendf(nil, "From: Sender %d <s%d@example.org>\r\n"+
		"To: rcpt@example.org\r\n"+
		"Subject: message %d\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"\r\n"+
		"%s\r\n", i, i, i, strings.Repeat("body ", 10*(i+1)))
	path := filepath.Join(t.TempDir(), fmt.Sprintf("%d.eml", i))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write message: %v", err)
	}
	return path, raw
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		defer close(done)
		_, _ = buf.ReadFrom(r)
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	<-done
	r.Close()

	return buf.String(), fnErr
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
