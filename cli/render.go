package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"taskdeck/domain"
)

const (
	timeLayout   = time.DateTime
	maxCellWidth = 40

	// PageSize is the number of rows shown per page of the task table.
	PageSize = 10
)

// Banner shows startup info.
func Banner(out io.Writer, cfg Config) {
	fmt.Fprintln(out, "Task Manager")
	if cfg.APIURL == "" {
		fmt.Fprintln(out, "API: mock (in-memory)")
	} else {
		fmt.Fprintf(out, "API: %s\n", cfg.APIURL)
	}
	fmt.Fprintln(out, "Type help for commands.")
}

// Help prints command list.
func Help(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  list [filter]                          List tasks, optionally by name")
	fmt.Fprintln(out, "  search [filter]                        Set the search term, empty clears it")
	fmt.Fprintln(out, "  create <name> | <command> [| <desc>]   Create a task")
	fmt.Fprintln(out, "  delete <id>                            Delete a task")
	fmt.Fprintln(out, "  exec <id>                              Execute a task")
	fmt.Fprintln(out, "  refresh                                Re-fetch with the current search term")
	fmt.Fprintln(out, "  page <n> | next | prev                 Page through the list")
	fmt.Fprintln(out, "  help                                   Show commands")
	fmt.Fprintln(out, "  exit | quit                            Exit")
}

// Tasks prints one page of the task table followed by the range and total
// lines. page is 1-based and clamped to the available pages.
func Tasks(out io.Writer, tasks []domain.Task, term string, page int) {
	if term != "" {
		fmt.Fprintf(out, "Search: %q\n", term)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks found")
		fmt.Fprintln(out, Total(0))
		return
	}

	page = clampPage(page, len(tasks))
	from := (page - 1) * PageSize
	to := min(from+PageSize, len(tasks))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCOMMAND\tDESCRIPTION\tCREATED")
	for _, t := range tasks[from:to] {
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, cell(t.Name), cell(t.Command), cell(desc), t.CreatedAt.Local().Format(timeLayout))
	}
	tw.Flush()
	fmt.Fprintf(out, "%d-%d of %d tasks (page %d/%d)\n", from+1, to, len(tasks), page, pageCount(len(tasks)))
	fmt.Fprintln(out, Total(len(tasks)))
}

func pageCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + PageSize - 1) / PageSize
}

func clampPage(page, n int) int {
	return max(1, min(page, pageCount(n)))
}

// Total renders the count line under the table.
func Total(n int) string {
	if n == 1 {
		return "Total: 1 task"
	}
	return fmt.Sprintf("Total: %d tasks", n)
}

// Execution prints the result of running a task.
func Execution(out io.Writer, task *domain.Task, res domain.ExecutionResult) {
	fmt.Fprintln(out, "Execution Result")
	if task != nil {
		fmt.Fprintf(out, "  Task:        %s\n", task.Name)
		fmt.Fprintf(out, "  Command:     %s\n", task.Command)
	}
	status := "success"
	if res.ExitCode != 0 {
		status = "failed"
	}
	fmt.Fprintf(out, "  Exit code:   %d (%s)\n", res.ExitCode, status)
	fmt.Fprintf(out, "  Executed at: %s\n", res.ExecutedAt.Local().Format(timeLayout))
	fmt.Fprintln(out, "  Output:")
	output := strings.TrimRight(res.Output, "\n")
	if output == "" {
		output = "No output"
	}
	for _, line := range strings.Split(output, "\n") {
		fmt.Fprintf(out, "    %s\n", line)
	}
}

// Invalid prints the per-field messages of a rejected create.
func Invalid(out io.Writer, verr *domain.ValidationError) {
	fields := make([]string, 0, len(verr.Fields))
	for f := range verr.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	fmt.Fprintln(out, "✖ Please fix the following:")
	for _, f := range fields {
		fmt.Fprintf(out, "    %s: %s\n", f, verr.Fields[f])
	}
}

// Success prints a success toast.
func Success(out io.Writer, msg string) {
	fmt.Fprintf(out, "✔ %s\n", msg)
}

// Failure prints a failure toast.
func Failure(out io.Writer, msg string) {
	fmt.Fprintf(out, "✖ %s\n", msg)
}

// Info prints an informational line.
func Info(out io.Writer, msg string) {
	fmt.Fprintln(out, msg)
}

func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > maxCellWidth {
		return string(r[:maxCellWidth-1]) + "…"
	}
	return s
}
