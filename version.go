//go:build linux
// +build linux

package main

import "github.com/fzft/nbconn/cmd"

// set at build time with -ldflags "-X main.gitSHA1=..."
var (
	version  string = "0.1.0"
	gitSHA1  string = "unknown"
	gitDirty string = "unknown"
)

func Version() string {
	return (&cmd.Cli{}).Version(version, gitSHA1, gitDirty)
}

