// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/ctl"
	"github.com/featurebasedb/plantx/server"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

// newServeCmd creates a plantx server and runs it with command line flags.
func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run plantx.",
		Long: `plantx server runs plantx.

It recovers the transaction journal from the configured
directory, aborting transactions a previous server left
running, and serves until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(stderr, plantx.VersionInfo())

			if err := Server.Start(); err != nil {
				return fmt.Errorf("running server: %v", err)
			}

			// First SIGKILL causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(c)
			select {
			case sig := <-c:
				fmt.Fprintf(stderr, "Received %s; gracefully shutting down...\n", sig.String())

				// Second signal causes a hard shutdown.
				go func() { <-c; os.Exit(1) }()

				if err := Server.Close(); err != nil {
					return err
				}
			case <-Server.Done:
				fmt.Fprintln(stderr, "Server closed externally")
			}
			return nil
		},
	}

	// Attach flags to the command.
	ctl.BuildServerFlags(serveCmd, Server)
	return serveCmd
}
