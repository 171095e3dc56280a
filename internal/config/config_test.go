package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, Defaults().Server.ListenAddr, cfg.Server.ListenAddr)
	require.FileExists(t, path)

	again, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Server, again.Server)
}

func TestSaveRoundTripsThroughDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	cfg.Server.ListenAddr = "0.0.0.0:4444"
	require.NoError(t, cfg.Save())

	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4444", reloaded.Server.ListenAddr)
}

func TestValidateRequiresAtLeastOneChainTipSource(t *testing.T) {
	cfg := Defaults()
	cfg.Template.PayoutProgramHex = "00"
	cfg.ChainTip.Shm.Enabled = false
	cfg.ChainTip.Relay.Enabled = false
	cfg.ChainTip.Pool.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownPrioritySource(t *testing.T) {
	cfg := Defaults()
	cfg.Template.PayoutProgramHex = "00"
	cfg.ChainTip.Priority = []string{"shm", "carrier-pigeon"}

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMissingPayoutProgram(t *testing.T) {
	cfg := Defaults()
	cfg.Template.PayoutProgramHex = ""

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsDuplicateAuxChainIDs(t *testing.T) {
	cfg := Defaults()
	cfg.Template.PayoutProgramHex = "00"
	cfg.Merged.Enabled = true
	cfg.Merged.Chains = []ChainEntry{
		{ID: 1, Name: "a"},
		{ID: 1, Name: "b"},
	}

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidatePassesOnDefaultsWithPayoutProgramSet(t *testing.T) {
	cfg := Defaults()
	cfg.Template.PayoutProgramHex = "0014abcdef0123456789abcdef0123456789abcdef01"
	require.NoError(t, cfg.Validate())
}
