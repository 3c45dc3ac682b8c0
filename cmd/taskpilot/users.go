package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/controlplane"
	"github.com/fentz26/taskpilot/internal/models"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add [email]",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE:  runUserList,
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send and inspect notifications",
}

var notifySendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to one user or every active user",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotifySend,
}

var notifyListCmd = &cobra.Command{
	Use:   "list [email]",
	Short: "Show a user's notifications",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotifyList,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	RunE:  runAuditLog,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize recent audit activity",
	RunE:  runAuditSummary,
}

var (
	userName     string
	userRole     string
	userInactive bool

	notifyTo      string
	notifyFrom    string
	notifyChannel string
	notifyLimit   int

	auditLimit int
	auditDays  int
)

func init() {
	userCmd.AddCommand(userAddCmd, userListCmd)
	userAddCmd.Flags().StringVar(&userName, "name", "", "Display name")
	userAddCmd.Flags().StringVar(&userRole, "role", "user", "Role (admin, manager, user)")
	userAddCmd.Flags().BoolVar(&userInactive, "inactive", false, "Create the user as inactive")

	notifyCmd.AddCommand(notifySendCmd, notifyListCmd)
	notifySendCmd.Flags().StringVar(&notifyTo, "to", "", "Recipient email (default: every active user)")
	notifySendCmd.Flags().StringVar(&notifyFrom, "from", "", "Sender email")
	notifySendCmd.Flags().StringVar(&notifyChannel, "channel", "desktop", "Channel (desktop, email, both)")
	notifyListCmd.Flags().IntVar(&notifyLimit, "limit", 20, "Maximum notifications to show")

	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show")
	auditSummaryCmd.Flags().IntVar(&auditDays, "days", 7, "Period in days")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	active := !userInactive
	req := controlplane.CreateUserInput{
		Email:    args[0],
		Name:     userName,
		Role:     models.UserRole(userRole),
		IsActive: &active,
	}
	var u models.User
	if err := apiPost("/users", req, &u); err != nil {
		return err
	}
	fmt.Printf("Created user: %s (%s, %s)\n", u.Email, u.Role, u.ID)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	var users []models.User
	if err := apiGet("/users", &users); err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No users found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tACTIVE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", truncateID(u.ID), u.Email, u.Name, u.Role, u.IsActive)
	}
	return w.Flush()
}

func runNotifySend(cmd *cobra.Command, args []string) error {
	req := controlplane.BroadcastInput{
		Message:        args[0],
		Channel:        models.Channel(notifyChannel),
		RecipientEmail: notifyTo,
		SenderEmail:    notifyFrom,
	}
	var resp struct {
		Message string `json:"message"`
	}
	if err := apiPost("/notifications/broadcast", req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func runNotifyList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("email", args[0])
	q.Set("limit", strconv.Itoa(notifyLimit))

	var items []models.Notification
	if err := apiGet("/notifications?"+q.Encode(), &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No notifications found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tTYPE\tCHANNEL\tSTATUS\tRETRIES\tMESSAGE")
	for _, n := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Type, n.Channel, n.Status,
			n.RetryCount, n.MaxRetries, truncate(n.Message, 60))
	}
	return w.Flush()
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	var entries []models.AuditEntry
	if err := apiGet("/audit?limit="+strconv.Itoa(auditLimit), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tENTITY\tBY\tDETAILS")
	for _, e := range entries {
		by := e.Agent
		if by == "" {
			by = truncateID(e.UserID)
		}
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.EntityType, truncateID(e.EntityID), by, truncate(e.Details, 60))
	}
	return w.Flush()
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	var s audit.Summary
	if err := apiGet("/audit/summary?days="+strconv.Itoa(auditDays), &s); err != nil {
		return err
	}

	fmt.Printf("Last %d days: %d actions (%d by agents)\n", s.PeriodDays, s.TotalActions, s.AgentActions)
	printCounts("By action", s.ByAction)
	printCounts("By entity", s.ByEntity)
	return nil
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Printf("%s:\n", label)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
	w.Flush()
}
