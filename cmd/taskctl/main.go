// Package main is taskctl, the operator CLI for taskgate. It talks to the task store in
// Redis directly.
//
// Usage:
//
//	taskctl list --state in-process
//	taskctl show <task-id>
//	taskctl override --directive reset-to-ready --admin-key $KEY <task-id>...
//	taskctl tick reaper
package main

import (
	"os"

	"github.com/guido-cesarano/taskgate/pkg/logger"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("taskctl failed")
		os.Exit(1)
	}
}
