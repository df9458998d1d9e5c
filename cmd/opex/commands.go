package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opex/internal/app"
	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/repo"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Submit, inspect and decide cleaning requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestDecideCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateRequestOptions
	var requesterName, requesterEmail string
	var attrs, selections map[string]string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit an extra cleaning agents request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requesterEmail == "" {
				requesterEmail = viper.GetString("actor")
			}
			opts.Requester = approval.Identity{Name: requesterName, Email: requesterEmail}
			opts.Attributes = attrs
			if len(selections) > 0 {
				opts.Selections = map[string]approval.Selection{}
				for role, email := range selections {
					opts.Selections[role] = approval.Selection{Email: email}
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				for _, d := range res.Dropped {
					fmt.Println(color.YellowString("skipped %s:", d.Role), d.Reason)
				}
				if viper.GetBool("json") {
					return printJSON(res.Request)
				}
				fmt.Printf("Request %s is %s\n", res.Request.ID, colorStatus(string(res.Request.OverallStatus)))
				printChain(res.Request)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "store name")
	cmd.Flags().StringVar(&opts.Category, "category", "", "request category")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free text")
	cmd.Flags().StringVar(&opts.NeededBy, "needed-by", "", "date the agents are needed (YYYY-MM-DD)")
	cmd.Flags().StringVar(&requesterName, "requester-name", "", "requester display name")
	cmd.Flags().StringVar(&requesterEmail, "requester-email", "", "requester e-mail (defaults to --actor)")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "extra rule attribute key=value")
	cmd.Flags().StringToStringVar(&selections, "select", nil, "explicit approver Role=email")
	_ = cmd.MarkFlagRequired("store")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Store", "Category", "Status", "Step", "Waiting on", "Created")
				for _, r := range items {
					step := fmt.Sprintf("%d/%d", r.CurrentStep, len(r.Chain))
					tw.AppendRow([]any{r.ID, r.Store, r.Category, colorStatus(string(r.OverallStatus)), step, deref(r.CurrentApproverEmail), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "PendingApproval, FullyApproved or Rejected")
	cmd.Flags().StringVar(&f.Store, "store", "", "store filter")
	cmd.Flags().StringVar(&f.ApproverEmail, "approver", "", "current approver e-mail")
	cmd.Flags().StringVar(&f.RequesterMail, "requester", "", "requester e-mail")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its chain and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				r := snap.Request
				fmt.Printf("Request %s: %s / %s, %s\n", r.ID, r.Store, r.Category, colorStatus(string(r.OverallStatus)))
				fmt.Printf("Requested by %s <%s> on %s\n", r.Requester.Name, r.Requester.Email, r.CreatedAt)
				printChain(r)
				if len(snap.History) > 0 {
					tw := newTable("Step", "Approver", "Action", "Comments", "At")
					for _, h := range snap.History {
						tw.AppendRow([]any{h.StepIndex, h.ApproverEmail, h.Action, h.Comments, h.ActionDate.Format(time.RFC3339)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func requestDecideCmd() *cobra.Command {
	var as, action, comments string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := approval.ParseAction(action)
			if err != nil {
				return err
			}
			if as == "" {
				as = viper.GetString("actor")
			}
			if as == "" {
				return fmt.Errorf("--as or --actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decide(ctx, engine.DecideOptions{RequestID: args[0], ActorEmail: as, Action: act, Comments: comments})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Request)
				}
				fmt.Printf("Request %s is %s\n", res.Request.ID, colorStatus(string(res.Request.OverallStatus)))
				if next := res.NextApproverRole(); next != "" {
					fmt.Printf("Waiting for %s (%s)\n", next, deref(res.Request.CurrentApproverEmail))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "approver e-mail (defaults to --actor)")
	cmd.Flags().StringVar(&action, "action", "", "approve or reject")
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func printChain(r domain.Request) {
	if len(r.Chain) == 0 {
		fmt.Println("No approvers required.")
		return
	}
	tw := newTable("#", "Role", "Approver", "E-mail", "Status")
	for i, s := range r.Chain {
		marker := fmt.Sprint(i)
		if i == r.CurrentStep && r.OverallStatus == approval.StatusPending {
			marker = color.CyanString("> %d", i)
		}
		status := string(s.Status)
		if status == "" {
			status = string(approval.StepPending)
		}
		tw.AppendRow([]any{marker, s.Role, s.Name, s.Email, colorStatus(status)})
	}
	tw.Render()
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage approval rules"}
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleAddCmd())
	rule.AddCommand(ruleRemoveCmd())
	rule.AddCommand(rulePreviewCmd())
	return rule
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable("ID", "Name", "When", "Then", "Priority", "Active")
				for _, r := range rules {
					when := fmt.Sprintf("%s %s %q", r.TriggerField, r.TriggerOperator, r.TriggerValue)
					tw.AppendRow([]any{r.ID, r.Name, when, fmt.Sprintf("%s %s", r.ActionType, r.TargetApprover), r.Priority, r.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var r approval.Rule
	var op, action string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			r.TriggerOperator = approval.Operator(op)
			r.ActionType = approval.RuleAction(action)
			r.Active = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AddRule(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&r.ID, "id", "", "rule id (generated when empty)")
	cmd.Flags().StringVar(&r.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&r.TriggerField, "field", "", "attribute to test, e.g. category or store")
	cmd.Flags().StringVar(&op, "operator", "equals", "equals or contains")
	cmd.Flags().StringVar(&r.TriggerValue, "value", "", "value to compare with")
	cmd.Flags().StringVar(&action, "action", "", "skip or add")
	cmd.Flags().StringVar(&r.TargetApprover, "target", "", "role to skip or add")
	cmd.Flags().IntVar(&r.Priority, "priority", 0, "lower runs first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the rule disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	}
}

func rulePreviewCmd() *cobra.Command {
	var store, category string
	var attrs map[string]string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the roles the active rules produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.Request{Store: store, Category: category, Attributes: attrs}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.PreviewRoles(ctx, req.RuleContext())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				if len(roles) == 0 {
					fmt.Println("no approvers")
					return nil
				}
				fmt.Println(strings.Join(roles, " -> "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "store name")
	cmd.Flags().StringVar(&category, "category", "", "request category")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "extra attribute key=value")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage the approver directory"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var u domain.User
	var roles []string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a directory user",
		Long:  "Roles are given as Role or Role@Store, e.g. --role AreaManager@Main.",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = !inactive
			for _, r := range roles {
				role, store, _ := strings.Cut(r, "@")
				u.Roles = append(u.Roles, domain.UserRole{Role: strings.TrimSpace(role), Store: strings.TrimSpace(store)})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpsertUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "e-mail address")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role grant, repeatable")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "exclude from approver resolution")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List directory users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "E-mail", "Roles", "Active")
				for _, u := range users {
					var grants []string
					for _, r := range u.Roles {
						if r.Store != "" {
							grants = append(grants, r.Role+"@"+r.Store)
						} else {
							grants = append(grants, r.Role)
						}
					}
					sort.Strings(grants)
					tw.AppendRow([]any{u.ID, u.Name, u.Email, strings.Join(grants, ", "), u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyRevokeCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.UserID)
				fmt.Println(color.YellowString("Store this key now, it is not shown again:"))
				fmt.Println(plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "User", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only keys of this user")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{Use: "action", Short: "Track action-plan items with deadlines"}
	action.AddCommand(actionAddCmd())
	action.AddCommand(actionCompleteCmd())
	action.AddCommand(actionListCmd())
	return action
}

func actionAddCmd() *cobra.Command {
	var opts engine.ActionItemOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an action item",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseDeadline(deadline, time.Now())
			if err != nil {
				return err
			}
			opts.Deadline = t
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.CreateActionItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequestID, "request", "", "linked request id")
	cmd.Flags().StringVar(&opts.Store, "store", "", "store name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "what has to be done")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner display name")
	cmd.Flags().StringVar(&opts.OwnerEmail, "owner-email", "", "owner e-mail")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 time, YYYY-MM-DD, or a duration from now such as 72h")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("owner-email")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

// parseDeadline accepts an RFC3339 time, a date (end of that day, UTC) or a
// duration relative to now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q", s)
}

func actionCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an action item done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.CompleteActionItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func actionListCmd() *cobra.Command {
	var status string
	var overdue bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActionItems(ctx, status, overdue)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Store", "Title", "Owner", "Deadline", "Status")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.Store, it.Title, it.OwnerEmail, it.Deadline, colorStatus(it.Status)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open or done")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only open items past their deadline")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Escalate stale requests and overdue action items"}
	esc.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("stale requests: %d, overdue actions: %d, opened: %d, already escalated: %d\n",
					report.StaleRequests, report.OverdueActions, report.Opened, report.AlreadyEscalated)
				return nil
			})
		},
	})
	var status, kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEscalations(ctx, status, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Item", "Reason", "Raised to", "Status", "Created")
				for _, it := range items {
					target := it.TargetRole
					if it.TargetEmail != "" {
						target += " (" + it.TargetEmail + ")"
					}
					tw.AppendRow([]any{it.ID, it.ItemKind + ":" + it.ItemID, it.Reason, target, colorStatus(it.Status), it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "open or resolved")
	list.Flags().StringVar(&kind, "kind", "", "request or action_item")
	esc.AddCommand(list)
	return esc
}

func outboxCmd() *cobra.Command {
	outbox := &cobra.Command{Use: "outbox", Short: "Inspect and deliver queued notifications"}
	var status, requestID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued and delivered notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, status, requestID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "To", "Request", "Status", "Attempts", "Last error")
				for _, n := range items {
					tw.AppendRow([]any{n.ID, n.Kind, n.To, n.RequestID, colorStatus(n.Status), n.Attempts, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, sending, sent or failed")
	list.Flags().StringVar(&requestID, "request", "", "request id")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	outbox.AddCommand(list)
	outbox.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Deliver due notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Dispatcher()
				if err != nil {
					return err
				}
				report, err := d.Flush(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("sent: %d, retried: %d, failed: %d\n", report.Sent, report.Retried, report.Failed)
				return nil
			})
		},
	})
	return outbox
}
