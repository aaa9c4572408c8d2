package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Output печатает результаты команд: таблицей или JSON (--json).
// Данные идут в stdout, пояснения в stderr.
type Output struct {
	asJSON bool
	stdout io.Writer
	stderr io.Writer
}

// NewOutput создаёт Output поверх os.Stdout и os.Stderr.
func NewOutput(asJSON bool) *Output {
	return &Output{asJSON: asJSON, stdout: os.Stdout, stderr: os.Stderr}
}

// Print выводит rows под заголовком headers или, в режиме JSON, value.
func (o *Output) Print(headers []string, rows [][]string, value any) {
	if o.asJSON {
		enc := json.NewEncoder(o.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(value); err != nil {
			fmt.Fprintf(o.stderr, "encode output: %v\n", err)
		}
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(o.stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(toRow(headers))
	for _, r := range rows {
		tw.AppendRow(toRow(r))
	}
	tw.Render()
}

// Notice пишет строку для человека в stderr.
func (o *Output) Notice(msg string) {
	fmt.Fprintln(o.stderr, msg)
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
