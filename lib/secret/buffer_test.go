// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("master-secret-material-0123456789ab")
	original := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Error("buffer contents do not match the original source")
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed after NewFromBytes", index)
		}
	}
}

func TestReadFromPathTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("0123456789abcdef0123456789abcdef\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()

	if got := buffer.Len(); got != 32 {
		t.Errorf("Len() = %d, want 32 (newline trimmed)", got)
	}
}

func TestReadFromPathEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.key")
	if err := os.WriteFile(path, []byte("\n\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("ReadFromPath succeeded on a whitespace-only file")
	}
}

func TestEqualConstantTime(t *testing.T) {
	buffer, err := NewFromBytes([]byte("correct horse battery staple!!!!"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("correct horse battery staple!!!!")) {
		t.Error("Equal = false for identical contents")
	}
	if buffer.Equal([]byte("correct horse battery staple!!!?")) {
		t.Error("Equal = true for differing contents")
	}
	if buffer.Equal([]byte("short")) {
		t.Error("Equal = true for different lengths")
	}
}

func TestCloseZeroesAndPanicsOnRead(t *testing.T) {
	buffer, err := NewFromBytes([]byte("ephemeral secret value 012345678"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded")
	}
	if _, err := New(-4); err == nil {
		t.Error("New(-4) succeeded")
	}
}
