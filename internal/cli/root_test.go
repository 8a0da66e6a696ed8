package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "relaysync", cmd.Use)
	assert.Contains(t, cmd.Long, "relay race")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "queue", "validate", "project", "simulate", "feed"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestQueueSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"list", "retry", "drop", "clear"} {
		sub, _, err := cmd.Find([]string{"queue", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"join", "race", "team-name", "addr"} {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, name)
	}
}

func TestSimulateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	simCmd, _, err := cmd.Find([]string{"simulate"})
	require.NoError(t, err)

	updateFlag := simCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, simCmd.Flags().Lookup("filter"))
	require.NotNil(t, simCmd.Flags().Lookup("golden-dir"))
	require.NotNil(t, simCmd.Flags().Lookup("trace"))
}

func TestProjectCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	projectCmd, _, err := cmd.Find([]string{"project"})
	require.NoError(t, err)

	vanFlag := projectCmd.Flags().Lookup("van")
	require.NotNil(t, vanFlag)
	assert.Equal(t, "0", vanFlag.DefValue)

	tzFlag := projectCmd.Flags().Lookup("tz")
	require.NotNil(t, tzFlag)
	assert.Equal(t, "UTC", tzFlag.DefValue)
}

func TestFeedCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	feedCmd, _, err := cmd.Find([]string{"feed"})
	require.NoError(t, err)

	addrFlag := feedCmd.Flags().Lookup("addr")
	require.NotNil(t, addrFlag)
	assert.Equal(t, "127.0.0.1:8788", addrFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "validate", "race.cue"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
