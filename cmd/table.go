package cmd

import (
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// renderTable writes rows in the plain column style of the other listing
// commands. Borders are only drawn for interactive terminals.
func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		table.SetBorder(true)
	} else {
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
	}

	table.AppendBulk(rows)
	table.Render()
}
