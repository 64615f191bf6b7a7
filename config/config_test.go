package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateDefaultIsRunnable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NotEmpty(t, cfg.RPCAddress)
	require.Equal(t, uint64(86_400), cfg.Market.WithdrawalBatchDuration)

	params, err := cfg.Market.Params()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), params.AnnualInterestBips)
	require.NotNil(t, params.MaxTotalSupply)

	// A second load round-trips the generated file.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Market.Borrower, reloaded.Market.Borrower)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("Bogus = true\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidatesAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
RPCAddress = "127.0.0.1:8645"

[market]
MarketAddress = "nonsense"
Borrower = "nonsense"
Controller = "nonsense"
FeeRecipient = "nonsense"
Sentinel = "nonsense"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
