package cmd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/crytic/forkdb/chain/config"
	"github.com/crytic/forkdb/logging"
	"github.com/crytic/forkdb/logging/colors"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// loadForkConfig resolves the fork configuration for a command:
// #1: We will search for either a custom config file (via --config) or the default (forkdb.json).
// If we find it, read it. If we can't read it, throw an error.
// #2: If a custom file was provided (--config was used), and we can't find the file, throw an error.
// #3: If forkdb.json can't be found, use the default fork configuration.
// Flags provided on the command line are applied last.
func loadForkConfig(cmd *cobra.Command) (*config.ForkConfig, error) {
	configFlagUsed := cmd.Flags().Changed("config")
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	// If --config was not used, look for `forkdb.json` in the current work directory
	if !configFlagUsed {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		configPath = filepath.Join(workingDirectory, DefaultForkConfigFilename)
	}

	var forkConfig *config.ForkConfig
	_, existenceError := os.Stat(configPath)
	switch {
	case existenceError == nil:
		// Possibility #1: File was found
		cmdLogger.Debug("Reading the configuration file at: ", colors.Bold, configPath, colors.Reset)
		forkConfig, err = config.ReadForkConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	case configFlagUsed:
		// Possibility #2: The --config flag was used, and we couldn't find the file
		return nil, errors.WithStack(existenceError)
	default:
		// Possibility #3: --config flag was not used and forkdb.json was not found
		forkConfig, err = config.DefaultForkConfig()
		if err != nil {
			return nil, err
		}
	}

	// Update the fork configuration given whatever flags were set using the CLI
	if err = updateForkConfigWithFlags(cmd, forkConfig); err != nil {
		return nil, err
	}
	return forkConfig, nil
}

// setupLogging configures the global logger as described by loggingConfig. It returns a function closing the log
// file, if one was opened.
func setupLogging(loggingConfig config.LoggingConfig) (func(), error) {
	logging.GlobalLogger.SetLevel(loggingConfig.Level)
	if loggingConfig.EnableConsoleLogging {
		logging.GlobalLogger.EnableConsole()
	} else {
		logging.GlobalLogger.DisableConsole()
	}
	if loggingConfig.LogDirectory == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(loggingConfig.LogDirectory, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	filename := filepath.Join(loggingConfig.LogDirectory, fmt.Sprintf("forkdb-%d.log", time.Now().Unix()))
	file, err := os.Create(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	logging.GlobalLogger.AddWriter(file, logging.STRUCTURED)
	return func() {
		logging.GlobalLogger.RemoveWriter(file)
		_ = file.Close()
	}, nil
}

// parseAddress parses a hex-encoded account address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseSlot parses a storage slot given either in decimal or as a 0x-prefixed hex number.
func parseSlot(s string) (common.Hash, error) {
	slot, ok := new(big.Int).SetString(s, 0)
	if !ok || slot.Sign() < 0 || slot.BitLen() > 256 {
		return common.Hash{}, errors.Errorf("invalid storage slot %q", s)
	}
	return common.BigToHash(slot), nil
}

// formatBalance renders a wei amount along with its value in ether.
func formatBalance(wei *uint256.Int) string {
	amount := decimal.NewFromBigInt(wei.ToBig(), 0)
	return fmt.Sprintf("%s wei (%s ether)", amount.String(), amount.Shift(-18).String())
}
