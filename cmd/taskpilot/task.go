package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/taskpilot/internal/controlplane"
	"github.com/fentz26/taskpilot/internal/deps"
	"github.com/fentz26/taskpilot/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details and its blockers",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskDependCmd = &cobra.Command{
	Use:   "depend [task-id] [depends-on-id]",
	Short: "Make a task wait on another task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskDepend,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [status]",
	Short: "Change a task's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskStatus,
}

var taskRiskCmd = &cobra.Command{
	Use:   "high-risk",
	Short: "List tasks with low confidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTaskView("/tasks/high-risk")
	},
}

var taskOverdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "List incomplete tasks past their due date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTaskView("/tasks/overdue")
	},
}

var taskBottlenecksCmd = &cobra.Command{
	Use:   "bottlenecks",
	Short: "List tasks blocking the most other work",
	RunE:  runTaskBottlenecks,
}

var (
	taskTitle    string
	taskDesc     string
	taskPriority string
	taskDue      string
	taskAssignee string
	taskCreator  string
	taskDepends  []string
	taskStatus   string
	actorEmail   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskDependCmd, taskStatusCmd,
		taskRiskCmd, taskOverdueCmd, taskBottlenecksCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Priority (low, medium, high, urgent)")
	taskAddCmd.Flags().StringVar(&taskDue, "due", "", "Due date (RFC3339, YYYY-MM-DD, or a duration from now such as 48h)")
	taskAddCmd.Flags().StringVar(&taskAssignee, "assignee", "", "Assignee email")
	taskAddCmd.Flags().StringVar(&taskCreator, "creator", "", "Creator email")
	taskAddCmd.Flags().StringSliceVar(&taskDepends, "depends-on", nil, "IDs of tasks this one waits on")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, in_progress, completed, overdue, escalated)")

	taskStatusCmd.Flags().StringVar(&actorEmail, "by", "", "Email of the user making the change")
}

// parseDue accepts RFC3339, a plain date, or a duration relative to now.
func parseDue(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := time.Now().Add(d).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognized due date %q", s)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	due, err := parseDue(taskDue)
	if err != nil {
		return err
	}

	req := controlplane.CreateTaskInput{
		Title:         taskTitle,
		Description:   taskDesc,
		Priority:      models.Priority(taskPriority),
		DueDate:       due,
		AssigneeEmail: taskAssignee,
		CreatorEmail:  taskCreator,
		Dependencies:  taskDepends,
	}

	var task models.Task
	if err := apiPost("/tasks", req, &task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + url.QueryEscape(taskStatus)
	}
	return printTaskView(path)
}

func printTaskView(path string) error {
	var tasks []models.Task
	if err := apiGet(path, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tSCORE\tCONFIDENCE\tDUE")
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.0f%%\t%s\n",
			truncateID(t.ID), truncate(t.Title, 40), t.Status, t.Priority, t.PriorityScore, t.ConfidenceScore, due)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := apiGet("/tasks/"+args[0], &task); err != nil {
		return err
	}
	var analysis deps.Analysis
	if err := apiGet("/tasks/"+args[0]+"/analysis", &analysis); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Title:       %s\n", task.Title)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Priority:    %s (score %.1f)\n", task.Priority, task.PriorityScore)
	fmt.Printf("Confidence:  %.1f%%\n", task.ConfidenceScore)
	if task.DueDate != nil {
		fmt.Printf("Due:         %s\n", task.DueDate.Local().Format(time.RFC1123))
	}
	if task.AssignedTo != "" {
		fmt.Printf("Assigned To: %s\n", task.AssignedTo)
	}
	if task.IsEscalated {
		fmt.Printf("Escalated:   yes (to %s)\n", task.EscalatedTo)
	}
	if task.Description != "" {
		fmt.Printf("Description: %s\n", task.Description)
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Local().Format(time.RFC1123))
	if task.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", task.CompletedAt.Local().Format(time.RFC1123))
	}

	fmt.Printf("Ready:       %t\n", analysis.ReadyToStart)
	printRefs("Blocked by", analysis.BlockedBy)
	printRefs("Blocking", analysis.Blocking)
	return nil
}

func printRefs(label string, refs []deps.TaskRef) {
	if len(refs) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, r := range refs {
		fmt.Printf("  - %s %s [%s]\n", truncateID(r.ID), r.Title, r.Status)
	}
}

func runTaskDepend(cmd *cobra.Command, args []string) error {
	var task models.Task
	req := map[string]string{"depends_on": args[1]}
	if err := apiPost("/tasks/"+args[0]+"/dependencies", req, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s now depends on %s\n", truncateID(args[0]), truncateID(args[1]))
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	var task models.Task
	req := map[string]string{"status": args[1], "actor_email": actorEmail}
	if err := apiPost("/tasks/"+args[0]+"/status", req, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s\n", truncateID(task.ID), task.Status)
	return nil
}

func runTaskBottlenecks(cmd *cobra.Command, args []string) error {
	var bottlenecks []deps.Bottleneck
	if err := apiGet("/bottlenecks", &bottlenecks); err != nil {
		return err
	}
	if len(bottlenecks) == 0 {
		fmt.Println("No bottlenecks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tBLOCKING\tCONFIDENCE\tSTATUS")
	for _, b := range bottlenecks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0f%%\t%s\n",
			truncateID(b.TaskID), truncate(b.Title, 40), b.BlockingCount, b.ConfidenceScore, b.Status)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
