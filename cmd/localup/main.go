// localup CLI - reverse tunnel client, relay, and access-gated agent.
package main

import (
	"github.com/localup/localup/pkg/localupcli"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	localupcli.Version = version
	localupcli.Commit = commit
	localupcli.BuildDate = buildDate
	localupcli.Execute()
}
