package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNamedID(t *testing.T) {
	options := map[string]string{"Fake zappi": "zappi-99999998", "Hot water": "eddi-99999997"}

	id, err := resolveNamedID("device", "hot-water", options)
	require.NoError(t, err)
	assert.Equal(t, "eddi-99999997", id)

	_, err = resolveNamedID("device", "garage", options)
	assert.ErrorContains(t, err, "Available: Fake zappi, Hot water")
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", dialAddr("0.0.0.0:9000"))
	assert.Equal(t, "127.0.0.1:9000", dialAddr(":9000"))
	assert.Equal(t, "127.0.0.1:9000", dialAddr("[::]:9000"))
	assert.Equal(t, "10.0.0.5:9000", dialAddr("10.0.0.5:9000"))
	assert.Equal(t, "not-an-addr", dialAddr("not-an-addr"))
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"showNegativeValues=true", "energyOffsetCT1=2.5", "siteName=Home", "note="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"showNegativeValues": true,
		"energyOffsetCT1":    2.5,
		"siteName":           "Home",
		"note":               "",
	}, got)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=1"})
	assert.Error(t, err)
}
