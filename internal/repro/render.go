package repro

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render writes the per-step table and a verdict line to w. Colors are
// applied only when colored is true so piped output stays plain.
func (r *Report) Render(w io.Writer, colored bool) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "ACTION", "STATUS", "RETCODE", "TIME", "NOTE"})

	var total time.Duration
	passed := 0
	for i, step := range r.Steps {
		total += step.Duration
		status, retcode := step.Status, strconv.Itoa(step.RetCode)
		if status == "" {
			status, retcode = "-", "-"
		}
		note := ""
		if step.Err != nil {
			note = step.Err.Error()
		} else {
			passed++
		}
		tw.AppendRow(table.Row{
			i + 1,
			step.Action,
			status,
			retcode,
			step.Duration.Round(time.Millisecond).String(),
			note,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(w, tw.Render())

	verdict := "PASS"
	paint := color.New(color.FgGreen, color.Bold)
	if r.Failed() {
		verdict = "FAIL"
		paint = color.New(color.FgRed, color.Bold)
	}
	if colored {
		verdict = paint.Sprint(verdict)
	}
	fmt.Fprintf(w, "%s  %d/%d actions succeeded in %s\n",
		verdict, passed, len(r.Steps), total.Round(time.Millisecond))
}
