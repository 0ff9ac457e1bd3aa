package main

import (
	"io"
	"os"
	"strconv"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

func renderJobs(list []*jobs.JobRecord, selected string, pretty bool) string {
	tw := table.NewWriter()
	if pretty {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}

	tw.AppendHeader(table.Row{"", "Run", "File", "Status", "Progress", "Step"})
	for _, job := range list {
		marker := ""
		if job.ID == selected {
			marker = "*"
		}
		tw.AppendRow(table.Row{
			marker,
			job.ID,
			job.DisplayName,
			string(job.Status),
			strconv.Itoa(jobs.Progress(job)) + "%",
			currentStepLabel(job),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func currentStepLabel(job *jobs.JobRecord) string {
	idx := job.CurrentStep - 1
	if idx >= len(jobs.Stages) {
		idx = len(jobs.Stages) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return jobs.StepLabel(job, jobs.Stages[idx])
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
