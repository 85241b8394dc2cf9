package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/crypto"
)

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "v0.key")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"keygen", "--out", path})
	require.NoError(t, rootCmd.Execute())

	kp, err := crypto.LoadKeyFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out.String(), kp.Address().String()))

	// 기존 키는 덮어쓰지 않음
	rootCmd.SetArgs([]string{"keygen", "--out", path})
	assert.Error(t, rootCmd.Execute())
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}
