package main

import (
	"bytes"
	"testing"

	"sunbed/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, "configs/config.yaml", resolveConfigPath(""))

	t.Setenv("CONFIG_PATH", "/etc/sunbed.yaml")
	assert.Equal(t, "/etc/sunbed.yaml", resolveConfigPath(""))
	assert.Equal(t, "local.yaml", resolveConfigPath("local.yaml"))
}

func TestRootCmd(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "sweep")

	sweep, _, err := root.Find([]string{"sweep"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		worker.JobBookingCleanup, worker.JobBookingAutocomplete, worker.JobBookingOverdue, worker.JobAutoRefundOverdue,
	}, sweep.ValidArgs)
}

func TestSweepCmd_RequiresJob(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"sweep"})
	assert.Error(t, root.Execute())
}
