package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/scheduler"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	cellStyle = lipgloss.NewStyle().PaddingRight(2)
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and trigger background agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show agent health",
	RunE:  runAgentList,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and scheduler jobs",
	RunE:  runAgentStatus,
}

var agentRunCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Run one agent cycle now (planning, risk, escalation, notification)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRun,
}

func init() {
	agentCmd.AddCommand(agentListCmd, agentStatusCmd, agentRunCmd)
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(models.AgentRunning), "ok":
		return okStyle
	case string(models.AgentError):
		return errStyle
	default:
		return warnStyle
	}
}

// renderTable lays out rows in padded columns. The first row is the header.
func renderTable(rows [][]string, styleFor func(row, col int, v string) lipgloss.Style) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, v := range row {
			if w := lipgloss.Width(v); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for r, row := range rows {
		cells := make([]string, len(row))
		for c, v := range row {
			st := cellStyle.Width(widths[c] + 2)
			if r == 0 {
				st = st.Inherit(labelStyle)
			} else if styleFor != nil {
				st = st.Inherit(styleFor(r, c, v))
			}
			cells[c] = st.Render(v)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		b.WriteString("\n")
	}
	return b.String()
}

func formatAgo(t *time.Time) string {
	if t == nil {
		return "never"
	}
	d := time.Since(*t).Round(time.Second)
	if d < 0 {
		return "in " + (-d).String()
	}
	return d.String() + " ago"
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var health []models.AgentHealth
	if err := apiGet("/agents", &health); err != nil {
		return err
	}
	if len(health) == 0 {
		fmt.Println("No agent health recorded yet")
		return nil
	}

	rows := [][]string{{"AGENT", "STATUS", "LAST RUN", "PROCESSED", "ERRORS", "LAST ERROR"}}
	for _, h := range health {
		rows = append(rows, []string{
			h.Name,
			string(h.Status),
			formatAgo(h.LastRun),
			fmt.Sprintf("%d", h.TasksProcessed),
			fmt.Sprintf("%d", h.ErrorsCount),
			truncate(h.LastError, 50),
		})
	}

	fmt.Println(titleStyle.Render("Agent Health"))
	fmt.Print(renderTable(rows, func(_, col int, v string) lipgloss.Style {
		if col == 1 {
			return stateStyle(v)
		}
		return lipgloss.NewStyle()
	}))
	return nil
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	health, herr := CheckHealth()
	if health == nil {
		return herr
	}

	db := health.DB
	if db != "ok" {
		db = "error: " + db
	}
	fmt.Println(titleStyle.Render("TaskPilot Daemon"))
	fmt.Printf("%s %s\n", labelStyle.Render("Version:  "), health.Version)
	fmt.Printf("%s %s\n", labelStyle.Render("Database: "), stateStyle(health.DB).Render(db))
	fmt.Printf("%s %s\n", labelStyle.Render("Scheduler:"), stateStyle(health.Scheduler).Render(health.Scheduler))

	var st scheduler.Status
	if err := apiGet("/scheduler/status", &st); err != nil {
		return err
	}
	if len(st.Jobs) > 0 {
		rows := [][]string{{"JOB", "NAME", "INTERVAL", "NEXT RUN", "LAST RUN", "RUNS", "SKIPPED"}}
		for _, j := range st.Jobs {
			next := "-"
			if j.NextRunTime != nil {
				next = j.NextRunTime.Local().Format("15:04:05")
			}
			rows = append(rows, []string{
				j.ID, j.Name, j.Interval.String(), next, formatAgo(j.LastRun),
				fmt.Sprintf("%d", j.Runs), fmt.Sprintf("%d", j.Skipped),
			})
		}
		fmt.Println()
		fmt.Print(renderTable(rows, nil))
	}
	return herr
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	var resp struct {
		Message    string `json:"message"`
		Agent      string `json:"agent"`
		Processed  int    `json:"processed"`
		DurationMS int64  `json:"duration_ms"`
		Error      string `json:"error"`
	}
	if err := apiPost("/scheduler/run/"+args[0], nil, &resp); err != nil {
		return err
	}

	if resp.Error != "" {
		fmt.Println(errStyle.Render(fmt.Sprintf("%s failed after %dms: %s", resp.Agent, resp.DurationMS, resp.Error)))
		return nil
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("%s processed %d items in %dms", resp.Agent, resp.Processed, resp.DurationMS)))
	return nil
}
