// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stratis-storage/backstore/pkg/backstore"
	"github.com/stratis-storage/backstore/pkg/identify"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// MockOperations implements Operations for testing the CLI's dispatch and
// output logic without a real device-mapper-capable kernel.
type MockOperations struct {
	IdentifyFunc           func(path string) (identify.Identity, error)
	StageKeyringSecretFunc func(description string, secret []byte) error
	InitializeFunc         func(poolUUID stratisuuid.PoolUuid, devicePaths []string, keyDescription string, now time.Time) (*backstore.Backstore, error)
}

func (m *MockOperations) Identify(path string) (identify.Identity, error) {
	if m.IdentifyFunc != nil {
		return m.IdentifyFunc(path)
	}
	return identify.Identity{Kind: identify.Unowned}, nil
}

func (m *MockOperations) StageKeyringSecret(description string, secret []byte) error {
	if m.StageKeyringSecretFunc != nil {
		return m.StageKeyringSecretFunc(description, secret)
	}
	return nil
}

func (m *MockOperations) InitializeBackstore(poolUUID stratisuuid.PoolUuid, devicePaths []string, keyDescription string, now time.Time) (*backstore.Backstore, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(poolUUID, devicePaths, keyDescription, now)
	}
	return nil, errors.New("not implemented")
}

// FakeTerminal returns a canned passphrase instead of reading a real tty.
type FakeTerminal struct {
	Password []byte
	Err      error
}

func (f *FakeTerminal) ReadPassword(fd int) ([]byte, error) {
	return f.Password, f.Err
}

func newTestCLI(args []string, ops Operations) (*CLI, *bytes.Buffer, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cli := &CLI{
		Args:       args,
		Stdin:      strings.NewReader(""),
		Stdout:     stdout,
		Stderr:     stderr,
		Ops:        ops,
		Terminal:   &FakeTerminal{Password: []byte("hunter2")},
		ExitFunc:   func(int) {},
		getStdinFd: func() int { return 0 },
	}
	return cli, stdout, stderr
}

func TestCmdIdentifyReportsKind(t *testing.T) {
	ops := &MockOperations{
		IdentifyFunc: func(path string) (identify.Identity, error) {
			return identify.Identity{Kind: identify.Unowned}, nil
		},
	}
	cli, stdout, _ := newTestCLI([]string{"stratis-backstore", "identify", "/dev/fake"}, ops)

	if code := cli.Run(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "Unowned") {
		t.Fatalf("expected output to mention Unowned, got %q", stdout.String())
	}
}

func TestCmdIdentifyMissingArgUsage(t *testing.T) {
	cli, stdout, _ := newTestCLI([]string{"stratis-backstore", "identify"}, &MockOperations{})

	if code := cli.Run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Fatalf("expected usage message, got %q", stdout.String())
	}
}

func TestCmdStageKeyReadsStdin(t *testing.T) {
	var gotDescription string
	var gotSecret []byte
	ops := &MockOperations{
		StageKeyringSecretFunc: func(description string, secret []byte) error {
			gotDescription = description
			gotSecret = secret
			return nil
		},
	}
	cli, stdout, _ := newTestCLI([]string{"stratis-backstore", "stage-key", "mykey"}, ops)

	if code := cli.Run(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if gotDescription != "mykey" {
		t.Fatalf("expected description 'mykey', got %q", gotDescription)
	}
	if string(gotSecret) != "hunter2" {
		t.Fatalf("expected secret 'hunter2', got %q", gotSecret)
	}
	if !strings.Contains(stdout.String(), "staged keyring secret") {
		t.Fatalf("expected confirmation message, got %q", stdout.String())
	}
}

func TestCmdStageKeyPropagatesError(t *testing.T) {
	ops := &MockOperations{
		StageKeyringSecretFunc: func(description string, secret []byte) error {
			return errors.New("keyctl failed")
		},
	}
	cli, _, stderr := newTestCLI([]string{"stratis-backstore", "stage-key", "mykey"}, ops)

	if code := cli.Run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "keyctl failed") {
		t.Fatalf("expected error propagated, got %q", stderr.String())
	}
}

func TestCmdLifecyclePropagatesInitializeError(t *testing.T) {
	ops := &MockOperations{
		InitializeFunc: func(poolUUID stratisuuid.PoolUuid, devicePaths []string, keyDescription string, now time.Time) (*backstore.Backstore, error) {
			return nil, errors.New("initialize boom")
		},
	}
	cli, _, stderr := newTestCLI([]string{"stratis-backstore", "lifecycle", "/dev/fake1"}, ops)

	if code := cli.Run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "initialize boom") {
		t.Fatalf("expected initialize error propagated, got %q", stderr.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	cli, _, stderr := newTestCLI([]string{"stratis-backstore", "bogus"}, &MockOperations{})

	if code := cli.Run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command") {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cli, stdout, _ := newTestCLI([]string{"stratis-backstore", "version"}, &MockOperations{})

	if code := cli.Run(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), Version) {
		t.Fatalf("expected version string in output, got %q", stdout.String())
	}
}
