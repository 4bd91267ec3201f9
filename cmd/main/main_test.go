package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSimKeyIsStable(t *testing.T) {
	a, err := simKey(3)
	require.NoError(t, err)
	b, err := simKey(3)
	require.NoError(t, err)
	c, err := simKey(4)
	require.NoError(t, err)
	require.Equal(t, a.Address, b.Address)
	require.NotEqual(t, a.Address, c.Address)
}

func TestSimulateFlags(t *testing.T) {
	cmd, _, err := rootCommand().Find([]string{"simulate"})
	require.NoError(t, err)
	require.Equal(t, "simulate", cmd.Name())
	for _, name := range []string{"config", "nodes", "duration", "tx-interval", "metrics-addr", "keep-data"} {
		require.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestGenerateTransferTx(t *testing.T) {
	from, err := simKey(0)
	require.NoError(t, err)
	to, err := simKey(1)
	require.NoError(t, err)
	tx := generateTransferTx(from.Address, to.Address, decimal.New(12345, -4), 9)
	require.Equal(t, uint64(9), tx.Nonce)
	require.Equal(t, "transfer:"+to.Address.Hex()+":1.2345", string(tx.Payload))
}
