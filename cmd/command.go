// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/blocknet/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blocknet",
	Short: "BlockNet - a content-addressed block storage network",
	Long: `BlockNet stores encrypted content as fixed-size immutable blocks
addressed by a truncated hash of their content. A fleet of web, data, and
proxy servers cooperates to publish, store, and serve blocks under a
signed-authorization and credit-accounting scheme.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
