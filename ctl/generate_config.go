// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"

	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/server"
)

// GenerateConfigCommand represents a command for printing a default config.
type GenerateConfigCommand struct {
	stdout io.Writer
}

// NewGenerateConfigCommand returns a new instance of GenerateConfigCommand.
func NewGenerateConfigCommand(stdout io.Writer) *GenerateConfigCommand {
	return &GenerateConfigCommand{stdout: stdout}
}

// Run prints out the default config.
func (cmd *GenerateConfigCommand) Run(_ context.Context) error {
	conf := server.NewConfig()
	ret, err := toml.Marshal(*conf)
	if err != nil {
		return errors.Wrap(err, "marshalling default config")
	}
	fmt.Fprintf(cmd.stdout, "%s\n", ret)
	return nil
}
