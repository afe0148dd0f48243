package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableFillsEmptyCells(t *testing.T) {
	var buf bytes.Buffer
	out := outputMode{w: &buf}
	out.table([][]string{
		{"CLIENT", "LAST_ERROR"},
		{"home_10000001", ""},
	})
	assert.Equal(t, "CLIENT         LAST_ERROR\nhome_10000001  -\n", buf.String())
}

func TestPrintJSONWritesIndented(t *testing.T) {
	var buf bytes.Buffer
	outputMode{json: true, w: &buf}.printJSON(map[string]int{"polls": 3})
	assert.Equal(t, "{\n  \"polls\": 3\n}\n", buf.String())
}
