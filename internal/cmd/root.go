// Package cmd wires the clworker CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionInfo holds build-time version metadata injected via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata from main's ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "clworker",
	Short: "Worker agent that executes jobs claimed from a coordinator",
	Long: `clworker is a long-running worker agent. It claims units of
computational work from a central coordinator, stages their dependencies
through a content-addressed cache, executes each job in an isolated sandbox
with bounded resources, and reports status and results back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}
