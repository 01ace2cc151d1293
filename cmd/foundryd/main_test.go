package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"foundryd", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"foundryd", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "reconcile")
}

func TestMigrateWithoutDSN(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"foundryd", "migrate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "catalog.dsn")
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus"} {
		require.NotNil(t, newLogger(level))
	}
}

func TestLoadValidatorEmpty(t *testing.T) {
	v, err := loadValidator("")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLoadValidatorBadPEM(t *testing.T) {
	_, err := loadValidator("-----BEGIN PUBLIC KEY-----\ngarbage\n-----END PUBLIC KEY-----\n")
	assert.Error(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	assert.True(t, isPostgresDSN("postgres://u@h/db"))
	assert.True(t, isPostgresDSN("postgresql://u@h/db"))
	assert.False(t, isPostgresDSN("data/catalog.db"))
	assert.False(t, isPostgresDSN(""))
}
