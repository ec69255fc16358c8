package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"run", "run-until-complete", "billing-report", "explain-unk"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "specfactory", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("product-key")
	require.NotNil(t, flag, "run command should have --product-key flag")

	mode := runCmd.Flags().Lookup("mode")
	require.NotNil(t, mode, "run command should have --mode flag")
	assert.Equal(t, "balanced", mode.DefValue)
}

func TestRunUntilCommand_Flags(t *testing.T) {
	flag := runUntilCmd.Flags().Lookup("product-key")
	require.NotNil(t, flag, "run-until-complete should have --product-key flag")

	maxRounds := runUntilCmd.Flags().Lookup("max-rounds")
	require.NotNil(t, maxRounds, "run-until-complete should have --max-rounds flag")
	assert.Equal(t, "0", maxRounds.DefValue)

	mode := runUntilCmd.Flags().Lookup("mode")
	require.NotNil(t, mode)
	assert.Equal(t, "aggressive", mode.DefValue)
}

func TestBillingReportCommand_Flags(t *testing.T) {
	month := billingReportCmd.Flags().Lookup("month")
	require.NotNil(t, month, "billing-report should have --month flag")
	assert.Regexp(t, `^\d{4}-\d{2}$`, month.DefValue)

	source := billingReportCmd.Flags().Lookup("source")
	require.NotNil(t, source)
	assert.Equal(t, "auto", source.DefValue)
}

func TestExplainCommand_Flags(t *testing.T) {
	for _, name := range []string{"category", "brand", "model", "product-id", "json"} {
		flag := explainCmd.Flags().Lookup(name)
		assert.NotNil(t, flag, "explain-unk should have --%s flag", name)
	}
}
