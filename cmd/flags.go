// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader resolves configuration values with flag precedence: a flag
// set explicitly on the command line wins over everything, otherwise
// viper's usual order applies (env, config file, flag default).
type FlagLoader struct {
	cmd *cobra.Command
}

func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

func (f *FlagLoader) String(name string) string {
	if f.cmd.Flags().Changed(name) {
		v, _ := f.cmd.Flags().GetString(name)
		return v
	}
	return viper.GetString(name)
}

func (f *FlagLoader) Int(name string) int {
	if f.cmd.Flags().Changed(name) {
		v, _ := f.cmd.Flags().GetInt(name)
		return v
	}
	return viper.GetInt(name)
}

func (f *FlagLoader) Duration(name string) time.Duration {
	if f.cmd.Flags().Changed(name) {
		v, _ := f.cmd.Flags().GetDuration(name)
		return v
	}
	return viper.GetDuration(name)
}
