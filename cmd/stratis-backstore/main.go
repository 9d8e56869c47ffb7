// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

// Version is set at build time via -ldflags
var Version = "dev"

const banner = `
stratis-backstore debug CLI
`

const usage = `
USAGE:
    stratis-backstore <command> [options]

COMMANDS:
    identify <device>             Classify a device (Stratis/Luks/Unowned/Foreign)
    stage-key <description>       Read a passphrase from stdin and stage it
                                  in the session keyring under description
    lifecycle <device>...         Stage a demo key, then run init (keyring
                                  encryption) -> alloc -> info -> teardown
                                  against the given devices, for manual
                                  exercise of pkg/backstore end to end
    help                          Show this help message
    version                       Show version information

NOTE:
    stratis-backstore is a debug aid, not the production entry point: the
    pool management daemon drives pkg/backstore directly from its own
    long-lived process, not through this CLI. "lifecycle" exists because
    pkg/backstore has no on-disk reload path yet (see DESIGN.md), so there
    is no way to split init/alloc/bind across separate CLI invocations and
    still be operating on the same in-memory Backstore.
`

func main() {
	cli := NewCLI()
	code := cli.Run()
	if code != 0 {
		cli.ExitFunc(code)
	}
}
