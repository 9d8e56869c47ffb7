// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stratis-storage/backstore/pkg/backstore"
	"github.com/stratis-storage/backstore/pkg/crypt"
	"github.com/stratis-storage/backstore/pkg/identify"
	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// Terminal reads a passphrase without echoing it to the screen, grounded on
// cmd/luks2/terminal.go's identical seam around golang.org/x/term.
type Terminal interface {
	ReadPassword(fd int) ([]byte, error)
}

// Operations is the subset of pkg/backstore, pkg/crypt, and pkg/identify
// this CLI drives, seamed out for testing the command layer without a real
// device-mapper-capable kernel.
type Operations interface {
	Identify(path string) (identify.Identity, error)
	StageKeyringSecret(description string, secret []byte) error
	InitializeBackstore(poolUUID stratisuuid.PoolUuid, devicePaths []string, keyDescription string, now time.Time) (*backstore.Backstore, error)
}

// DefaultOperations implements Operations against the real packages.
type DefaultOperations struct{}

func (DefaultOperations) Identify(path string) (identify.Identity, error) {
	return identify.IdentifyBlockDevice(path, identify.Env{})
}

func (DefaultOperations) StageKeyringSecret(description string, secret []byte) error {
	return crypt.StageKeyringSecret(description, secret)
}

func (DefaultOperations) InitializeBackstore(poolUUID stratisuuid.PoolUuid, devicePaths []string, keyDescription string, now time.Time) (*backstore.Backstore, error) {
	encInfo := &crypt.InputEncryptionInfo{KeyDescription: &keyDescription}
	return backstore.Initialize(poolUUID, devicePaths, encInfo, now)
}

// CLI is the command-line application, with injectable I/O and exit for
// testing the dispatch and output logic without touching real devices.
type CLI struct {
	Args       []string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Ops        Operations
	Terminal   Terminal
	ExitFunc   func(code int)
	getStdinFd func() int
}

// NewCLI constructs a CLI wired to the real operating system.
func NewCLI() *CLI {
	return &CLI{
		Args:       os.Args,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Ops:        DefaultOperations{},
		Terminal:   &DefaultTerminal{},
		ExitFunc:   os.Exit,
		getStdinFd: func() int { return int(os.Stdin.Fd()) },
	}
}

// Run executes the CLI with the given arguments.
func (c *CLI) Run() int {
	if len(c.Args) < 2 {
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}

	switch c.Args[1] {
	case "identify":
		return c.cmdIdentify()
	case "stage-key":
		return c.cmdStageKey()
	case "lifecycle":
		return c.cmdLifecycle()
	case "help", "--help", "-h":
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 0
	case "version", "--version", "-v":
		_, _ = fmt.Fprintf(c.Stdout, "stratis-backstore version %s\n", Version)
		return 0
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", c.Args[1])
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}
}

func (c *CLI) showBanner() {
	_, _ = fmt.Fprint(c.Stdout, banner)
}

func (c *CLI) cmdIdentify() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: stratis-backstore identify <device>")
		return 1
	}
	id, err := c.Ops.Identify(c.Args[2])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "identify failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "%s: %s\n", c.Args[2], id.Kind)
	switch id.Kind {
	case identify.Stratis:
		_, _ = fmt.Fprintf(c.Stdout, "  pool uuid: %s\n", id.Stratis.Identifiers.PoolUuid)
		_, _ = fmt.Fprintf(c.Stdout, "  dev uuid:  %s\n", id.Stratis.Identifiers.DevUuid)
	case identify.Luks:
		_, _ = fmt.Fprintf(c.Stdout, "  keyring bound: %v\n", id.Luks.HasKeyring)
		_, _ = fmt.Fprintf(c.Stdout, "  clevis bound:  %v\n", id.Luks.HasClevis)
	}
	return 0
}

func (c *CLI) cmdStageKey() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: stratis-backstore stage-key <description>")
		return 1
	}
	description := c.Args[2]

	_, _ = fmt.Fprint(c.Stdout, "Passphrase: ")
	fd := 0
	if c.getStdinFd != nil {
		fd = c.getStdinFd()
	}
	secret, err := c.Terminal.ReadPassword(fd)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "failed to read passphrase: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout)

	if err := c.Ops.StageKeyringSecret(description, secret); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "stage-key failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "staged keyring secret under %q\n", description)
	return 0
}

// cmdLifecycle exercises pkg/backstore end to end: stage a demo keyring
// secret, initialize a pool backstore over the given devices with keyring
// encryption requested, allocate once, print its encryption info, then tear
// it down. This is the only command that spans the full Backstore
// lifecycle, since the package has no on-disk reload path for a later CLI
// invocation to pick a prior Backstore back up (see DESIGN.md's pkg/liminal
// entry).
func (c *CLI) cmdLifecycle() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: stratis-backstore lifecycle <device>...")
		return 1
	}
	devicePaths := c.Args[2:]

	const keyDescription = "stratis-backstore-cli-demo"
	if err := c.Ops.StageKeyringSecret(keyDescription, []byte("stratis-backstore-cli-demo-secret")); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "stage demo key: %v\n", err)
		return 1
	}

	poolUUID := stratisuuid.NewPool()
	b, err := c.Ops.InitializeBackstore(poolUUID, devicePaths, keyDescription, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "initialize: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "initialized pool %s over %d device(s)\n", poolUUID, len(devicePaths))

	ctx := context.Background()
	available := b.AvailableInBackstore()
	if available == 0 {
		_, _ = fmt.Fprintln(c.Stderr, "no space available to allocate")
		return 1
	}
	_, ok, err := b.Alloc(ctx, []segment.Sectors{available})
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "alloc: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintln(c.Stderr, "alloc reported insufficient space")
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "allocated %d sectors\n", available)

	if info := b.EncryptionInfo(); info != nil {
		_, _ = fmt.Fprintf(c.Stdout, "encryption info: keyring=%v clevis=%v\n", info.HasKeyring, info.HasClevis)
	}

	if err := b.Teardown(); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "teardown: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "torn down")
	return 0
}
