package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

type outputMode struct {
	json bool
	// w defaults to stdout
	w io.Writer
}

func (o outputMode) writer() io.Writer {
	if o.w == nil {
		return os.Stdout
	}
	return o.w
}

func (o outputMode) printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal("format json", err)
	}
	fmt.Fprintln(o.writer(), string(data))
}

// table aligns rows into columns; the first row is the header. Empty cells
// print as "-" so columns stay readable.
func (o outputMode) table(rows [][]string) {
	tw := tabwriter.NewWriter(o.writer(), 2, 4, 2, ' ', 0)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == "" {
				cell = "-"
			}
			cells[i] = cell
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}
