package cmd

import (
	"fmt"

	"github.com/crytic/forkdb/chain/config"
	"github.com/spf13/cobra"
)

// addForkFlags adds the flags describing which chain and block a fork reads to the provided command
func addForkFlags(cmd *cobra.Command) error {
	// Get the default fork config and throw an error if we cant
	defaultConfig, err := config.DefaultForkConfig()
	if err != nil {
		return err
	}

	// Prevent alphabetical sorting of usage message
	cmd.Flags().SortFlags = false

	// Config file
	cmd.Flags().String("config", "", "path to config file")

	// RPC endpoint
	cmd.Flags().String("rpc-url", "", "JSON-RPC endpoint of the chain to fork")

	// Pinned block
	cmd.Flags().Uint64("block", 0, "height of the block to pin the fork to (unless a config file provides one, default is the latest block)")
	cmd.Flags().String("block-hash", "", "hash of the block to pin the fork to, taking precedence over --block")

	// Connections
	cmd.Flags().Uint("pool-size", 0,
		fmt.Sprintf("number of connections to the endpoint (unless a config file is provided, default is %d)", defaultConfig.PoolSize))

	// Persistent cache
	cmd.Flags().String("cache-dir", "",
		fmt.Sprintf("directory remote state is cached in across runs (unless a config file is provided, default is %q)", defaultConfig.CacheDirectory))

	return nil
}

// updateForkConfigWithFlags will update the given forkConfig with any CLI arguments that were provided to the command
func updateForkConfigWithFlags(cmd *cobra.Command, forkConfig *config.ForkConfig) error {
	var err error

	// Update RPC url
	if cmd.Flags().Changed("rpc-url") {
		forkConfig.RpcUrl, err = cmd.Flags().GetString("rpc-url")
		if err != nil {
			return err
		}
	}

	// Update pinned block. A block number clears any hash pinned by the config file.
	if cmd.Flags().Changed("block") {
		block, err := cmd.Flags().GetUint64("block")
		if err != nil {
			return err
		}
		forkConfig.SetPinnedNumber(block)
	}
	if cmd.Flags().Changed("block-hash") {
		forkConfig.RpcBlockHash, err = cmd.Flags().GetString("block-hash")
		if err != nil {
			return err
		}
	}

	// Update pool size
	if cmd.Flags().Changed("pool-size") {
		forkConfig.PoolSize, err = cmd.Flags().GetUint("pool-size")
		if err != nil {
			return err
		}
	}

	// Update cache directory
	if cmd.Flags().Changed("cache-dir") {
		forkConfig.CacheDirectory, err = cmd.Flags().GetString("cache-dir")
		if err != nil {
			return err
		}
	}
	return nil
}
