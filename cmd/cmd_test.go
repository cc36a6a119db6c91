package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crytic/forkdb/chain/config"
	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/state/remote/rpctest"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/forkdb/cmd/exitcodes"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseSlot tests decimal and hex storage slot arguments.
func TestParseSlot(t *testing.T) {
	slot, err := parseSlot("0")
	assert.NoError(t, err)
	assert.Equal(t, common.Hash{}, slot)

	slot, err = parseSlot("0xaaaaaaaa")
	assert.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xaaaaaaaa"), slot)

	slot, err = parseSlot("17")
	assert.NoError(t, err)
	assert.Equal(t, common.BigToHash(uint256.NewInt(17).ToBig()), slot)

	for _, invalid := range []string{"", "-1", "0xzz", "0x1" + strings.Repeat("0", 64)} {
		_, err = parseSlot(invalid)
		assert.Error(t, err, invalid)
	}
}

// TestFormatBalance tests rendering balances in wei and ether.
func TestFormatBalance(t *testing.T) {
	assert.Equal(t, "0 wei (0 ether)", formatBalance(uint256.NewInt(0)))
	assert.Equal(t, "1500000000000000000 wei (1.5 ether)", formatBalance(uint256.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "1 wei (0.000000000000000001 ether)", formatBalance(uint256.NewInt(1)))
}

// TestUpdateForkConfigWithFlags tests that only the flags provided override the configuration.
func TestUpdateForkConfigWithFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, addForkFlags(cmd))

	forkConfig, err := config.DefaultForkConfig()
	require.NoError(t, err)
	forkConfig.RpcBlockHash = "0x" + strings.Repeat("11", 32)
	forkConfig.CacheDirectory = "cache"

	require.NoError(t, cmd.Flags().Set("rpc-url", "http://localhost:8545"))
	require.NoError(t, cmd.Flags().Set("block", "100"))
	require.NoError(t, cmd.Flags().Set("pool-size", "3"))
	require.NoError(t, updateForkConfigWithFlags(cmd, forkConfig))

	assert.Equal(t, "http://localhost:8545", forkConfig.RpcUrl)
	if assert.NotNil(t, forkConfig.RpcBlock) {
		assert.EqualValues(t, 100, *forkConfig.RpcBlock)
	}
	assert.Empty(t, forkConfig.RpcBlockHash)
	assert.EqualValues(t, 3, forkConfig.PoolSize)
	assert.Equal(t, "cache", forkConfig.CacheDirectory)

	pinned, ok, err := forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.BlockByNumber(100), pinned)

	// without --block, the configuration keeps following the chain head
	cmd = &cobra.Command{Use: "test"}
	require.NoError(t, addForkFlags(cmd))
	forkConfig, err = config.DefaultForkConfig()
	require.NoError(t, err)
	require.NoError(t, updateForkConfigWithFlags(cmd, forkConfig))
	_, ok, err = forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.False(t, ok)
}

// TestQueryCommands runs the query commands against a JSON-RPC endpoint.
func TestQueryCommands(t *testing.T) {
	contract := common.HexToAddress("0x1000000000000000000000000000000000000001")
	reader := remote.NewStaticReader()
	reader.SetAccount(contract, remote.StaticAccount{
		Balance: uint256.NewInt(2_000_000_000_000_000_000),
		Nonce:   3,
		Code:    []byte{0x60, 0x01},
	})
	reader.SetStorageAt(contract, common.HexToHash("0x05"), common.HexToHash("0x2a"))
	reader.SetHeader(&types.BlockHeader{Number: 100, Hash: common.HexToHash("0xb10c"), BaseFee: uint256.NewInt(7)})

	server, err := rpctest.NewHTTPServer(reader)
	require.NoError(t, err)
	defer server.Close()

	// a config file pins the fork, with the block given on the command line
	configPath := filepath.Join(t.TempDir(), DefaultForkConfigFilename)
	forkConfig, err := config.DefaultForkConfig()
	require.NoError(t, err)
	forkConfig.RpcUrl = server.URL
	forkConfig.PoolSize = 1
	forkConfig.Logging.EnableConsoleLogging = false
	require.NoError(t, forkConfig.WriteToFile(configPath))

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append(args, "--config", configPath, "--block", "100"))
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("account", contract.Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "exists:   true")
	assert.Contains(t, out, "(2 ether)")
	assert.Contains(t, out, "nonce:    3")

	out, err = run("code", contract.Hex())
	require.NoError(t, err)
	assert.Equal(t, "0x6001\n", out)

	out, err = run("storage", contract.Hex(), "5")
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x2a").Hex()+"\n", out)

	out, err = run("header")
	require.NoError(t, err)
	assert.Contains(t, out, "hash:       "+common.HexToHash("0xb10c").Hex())
	assert.Contains(t, out, "baseFee:    7")

	// headers the chain does not have map to their own exit code
	_, err = run("header", "99")
	_, exitCode := exitcodes.GetInnerErrorAndExitCode(err)
	assert.Equal(t, exitcodes.ExitCodeNotFound, exitCode)

	// every request was made at the pinned block
	for _, block := range reader.BlocksQueried() {
		assert.Contains(t, []types.BlockID{types.BlockByNumber(100), types.BlockByNumber(99)}, block)
	}
}

// TestInitCommand tests writing a fork configuration from flags.
func TestInitCommand(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), DefaultForkConfigFilename)
	rootCmd.SetArgs([]string{"init", "--out", outputPath, "--rpc-url", "http://localhost:8545", "--block-hash",
		"0x" + strings.Repeat("ab", 32), "--force"})
	require.NoError(t, rootCmd.Execute())

	forkConfig, err := config.ReadForkConfigFromFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", forkConfig.RpcUrl)
	pinned, ok, err := forkConfig.PinnedBlock()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, pinned.IsHash())
	assert.NoError(t, forkConfig.Validate())
}
