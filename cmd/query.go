package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/crytic/forkdb/chain/state"
	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/forkdb/cmd/exitcodes"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// accountCmd represents the command provider for account
var accountCmd = &cobra.Command{
	Use:               "account <address>",
	Short:             "Prints the balance, nonce and code hash of an account at the pinned block",
	Long:              `Prints the balance, nonce and code hash of an account at the pinned block`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: cmdValidQueryArgs,
	RunE:              cmdRunAccount,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// codeCmd represents the command provider for code
var codeCmd = &cobra.Command{
	Use:               "code <address>",
	Short:             "Prints the bytecode of an account at the pinned block",
	Long:              `Prints the bytecode of an account at the pinned block`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: cmdValidQueryArgs,
	RunE:              cmdRunCode,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// storageCmd represents the command provider for storage
var storageCmd = &cobra.Command{
	Use:               "storage <address> <slot>",
	Short:             "Prints the value of a storage slot at the pinned block",
	Long:              `Prints the value of a storage slot at the pinned block. The slot may be decimal or 0x-prefixed hex.`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: cmdValidQueryArgs,
	RunE:              cmdRunStorage,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// headerCmd represents the command provider for header
var headerCmd = &cobra.Command{
	Use:               "header [number]",
	Short:             "Prints a block header at or below the pinned block",
	Long:              `Prints the header of the given block, or of the pinned block if no number is provided`,
	Args:              cobra.RangeArgs(0, 1),
	ValidArgsFunction: cmdValidQueryArgs,
	RunE:              cmdRunHeader,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	for _, queryCmd := range []*cobra.Command{accountCmd, codeCmd, storageCmd, headerCmd} {
		// Add all the flags allowed for the query commands
		err := addForkFlags(queryCmd)
		if err != nil {
			cmdLogger.Error("Failed to initialize the ", queryCmd.Name(), " command", err)
			os.Exit(exitcodes.ExitCodeGeneralError)
		}

		// Add the command and its associated flags to the root command
		rootCmd.AddCommand(queryCmd)
	}
}

// cmdValidQueryArgs will return which flags are valid for dynamic completion for the query commands
func cmdValidQueryArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	// Gather a list of flags that are available to be used in the current command but have not been used yet
	var unusedFlags []string
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			unusedFlags = append(unusedFlags, "--"+flag.Name)
		}
	})
	return unusedFlags, cobra.ShellCompDirectiveNoFileComp
}

// runQuery opens the fork described by the command's configuration and flags, then runs query against it. Interrupts
// cancel the query.
func runQuery(cmd *cobra.Command, query func(ctx context.Context, fork *state.ForkDB, out io.Writer) error) error {
	forkConfig, err := loadForkConfig(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the ", cmd.Name(), " command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if err = forkConfig.Validate(); err != nil {
		cmdLogger.Error("Invalid fork configuration", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	closeLogs, err := setupLogging(forkConfig.Logging)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fork, err := state.NewForkDBFromConfig(ctx, forkConfig, nil)
	if err != nil {
		return queryError(err)
	}
	defer func() {
		if err := fork.Close(); err != nil {
			cmdLogger.Warn("Failed to close the fork", err)
		}
	}()

	cmdLogger.Debug("Querying ", forkConfig.RpcUrl, " at block ", fork.Pinned().String())
	return queryError(query(ctx, fork, cmd.OutOrStdout()))
}

// queryError annotates err with the exit code describing it.
func queryError(err error) error {
	switch {
	case err == nil:
		return nil
	case remote.IsNetworkError(err):
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeNetworkError)
	case remote.IsNotFound(err):
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeNotFound)
	default:
		return err
	}
}

// cmdRunAccount executes the account CLI command
func cmdRunAccount(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	return runQuery(cmd, func(ctx context.Context, fork *state.ForkDB, out io.Writer) error {
		record, err := fork.AccountInfo(ctx, addr)
		if err != nil {
			return err
		}
		exists, err := fork.Exists(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "address:  %s\n", addr.Hex())
		fmt.Fprintf(out, "exists:   %t\n", exists)
		fmt.Fprintf(out, "balance:  %s\n", formatBalance(record.Balance))
		fmt.Fprintf(out, "nonce:    %d\n", record.Nonce)
		fmt.Fprintf(out, "codeHash: %s\n", record.CodeHash.Hex())
		return nil
	})
}

// cmdRunCode executes the code CLI command
func cmdRunCode(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	return runQuery(cmd, func(ctx context.Context, fork *state.ForkDB, out io.Writer) error {
		code, err := fork.Code(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hexutil.Encode(code))
		return nil
	})
}

// cmdRunStorage executes the storage CLI command
func cmdRunStorage(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	slot, err := parseSlot(args[1])
	if err != nil {
		return err
	}
	return runQuery(cmd, func(ctx context.Context, fork *state.ForkDB, out io.Writer) error {
		value, err := fork.Storage(ctx, addr, slot)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, value.Hex())
		return nil
	})
}

// cmdRunHeader executes the header CLI command
func cmdRunHeader(cmd *cobra.Command, args []string) error {
	var number *uint64
	if len(args) == 1 {
		n, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return errors.Errorf("invalid block number %q", args[0])
		}
		number = &n
	}
	return runQuery(cmd, func(ctx context.Context, fork *state.ForkDB, out io.Writer) error {
		var header *types.BlockHeader
		var err error
		if number == nil {
			header, err = fork.PinnedHeader(ctx)
		} else {
			header, err = fork.BlockHeader(ctx, *number)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "number:     %d\n", header.Number)
		fmt.Fprintf(out, "hash:       %s\n", header.Hash.Hex())
		fmt.Fprintf(out, "parentHash: %s\n", header.ParentHash.Hex())
		fmt.Fprintf(out, "timestamp:  %d\n", header.Timestamp)
		fmt.Fprintf(out, "gasLimit:   %d\n", header.GasLimit)
		fmt.Fprintf(out, "coinbase:   %s\n", header.Coinbase.Hex())
		fmt.Fprintf(out, "stateRoot:  %s\n", header.StateRoot.Hex())
		if header.BaseFee != nil {
			fmt.Fprintf(out, "baseFee:    %s\n", header.BaseFee.Dec())
		}
		if header.Difficulty != nil {
			fmt.Fprintf(out, "difficulty: %s\n", header.Difficulty.Dec())
		}
		fmt.Fprintf(out, "mixDigest:  %s\n", header.MixDigest.Hex())
		return nil
	})
}
