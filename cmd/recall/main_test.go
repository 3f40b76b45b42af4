package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := parseDate("2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), *d)

	d, err = parseDate("")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = parseDate("04/03/2025")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"roster", "rebuild"}, {"serve"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	run, _, _ := root.Find([]string{"run"})
	assert.NotNil(t, run.Flags().Lookup("start-date"))
	assert.NotNil(t, run.Flags().Lookup("end-date"))
}
