package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowrequest/internal/ai"
	"flowrequest/internal/app"
	"flowrequest/internal/config"
	"flowrequest/internal/db"
	"flowrequest/internal/domain"
	"flowrequest/internal/engine"
	"flowrequest/internal/migrate"
	"flowrequest/internal/notify"
	"flowrequest/internal/repo"
	"flowrequest/internal/roster"
	"flowrequest/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fr",
	Short: "FlowRequest CLI",
	Long: `FlowRequest turns free-form requests into delegated task flows.
- A flow is one request broken into sub-requests, each addressed to a team
  role and dispatched by e-mail.
- Broadcast sub-requests fan out to every member of a role family
  (e.g. OBCHODNIK reaches every salesperson).
- Replies are classified (CONFIRMED / REJECTED / UNCLEAR) and wait for the
  creator's review; approving all tasks completes the flow.
- Team, delegation rules and saved analyses are managed from here as well.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWREQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "acting user id (defaults to the seeded admin)")
	rootCmd.PersistentFlags().Bool("offline", false, "no external calls: heuristic breakdown, no e-mail dispatch")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("offline", rootCmd.PersistentFlags().Lookup("offline"))
}

func registerCommands() {
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(analysisCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- flows ---

func flowCmd() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
		Long:  "Flows carry a request through its whole life: AI breakdown, dispatch to assignees, reply review and final approval.",
	}
	flow.AddCommand(flowCreateCmd())
	flow.AddCommand(flowListCmd())
	flow.AddCommand(flowShowCmd())
	flow.AddCommand(flowReplyCmd())
	flow.AddCommand(flowApproveCmd())
	return flow
}

func flowCreateCmd() *cobra.Command {
	var title, description, input string
	var tags []string
	var urgent, yes bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow from a free-form request",
		Long:  "Runs the request through the breakdown engine, shows the proposed sub-requests and dispatches them on confirmation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("--input required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				b, err := e.Decompose(ctx, input, nil, userID)
				if err != nil {
					return err
				}
				if title == "" {
					title = b.Title
				}
				opts := engine.FlowCreateOptions{
					Title:       title,
					Description: input,
					Tags:        tags,
					CreatorID:   userID,
					Progress: func(percent int) {
						if !viper.GetBool("json") {
							fmt.Printf("\rDispatching... %d%%", percent)
						}
					},
				}
				if description != "" {
					opts.Description = description
				}
				for _, s := range b.Subtasks {
					due := e.DueDate(urgent || s.SuggestedDeadline == "URGENT")
					opts.Proposals = append(opts.Proposals, proposalFromSubtask(s, due))
				}
				if !yes && !viper.GetBool("json") {
					printProposals(b)
					fmt.Print("Dispatch? [y/N]: ")
					var answer string
					fmt.Scanln(&answer)
					if !strings.EqualFold(strings.TrimSpace(answer), "y") {
						fmt.Println("Aborted.")
						return nil
					}
				}
				f, err := e.CreateFlow(ctx, opts)
				if !viper.GetBool("json") {
					fmt.Println()
				}
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "flow title (default: breakdown title)")
	cmd.Flags().StringVar(&description, "description", "", "flow description (default: the input)")
	cmd.Flags().StringVar(&input, "input", "", "free-form request text")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "use the urgent deadline preset")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "dispatch without confirmation")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func proposalFromSubtask(s ai.ProposedSubtask, due string) roster.Proposal {
	return roster.Proposal{
		Title:       s.Title,
		Description: s.Description,
		TaskType:    s.TaskType,
		RoleKey:     s.RoleKey,
		Broadcast:   s.Scope == ai.ScopeAllOfRole,
		DueDate:     due,
	}
}

func printProposals(b ai.Breakdown) {
	fmt.Printf("Breakdown: %s\n", b.Title)
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Title", "Role", "Type", "Scope"})
	for i, s := range b.Subtasks {
		scope := "individual"
		if s.Scope == ai.ScopeAllOfRole {
			scope = "all of role"
		}
		t.AppendRow(table.Row{i + 1, s.Title, s.RoleKey, s.TaskType, scope})
	}
	t.Render()
}

func flowListCmd() *cobra.Command {
	var view, bucket, search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				flows, err := e.ListFlows(ctx, engine.ListOptions{
					ViewerID: userID,
					View:     view,
					Bucket:   bucket,
					Search:   search,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				now := e.Now()
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Title", "Status", "Tasks", "Created", "Stale"})
				for _, f := range flows {
					stale := ""
					if e.IsStale(f, userID, now) {
						stale = "!"
					}
					t.AppendRow(table.Row{f.ID, f.Title, f.Status, len(f.SubRequests), f.CreatedAt, stale})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "mine", "mine or team")
	cmd.Flags().StringVar(&bucket, "bucket", "all", "to_action, active, archive or all")
	cmd.Flags().StringVar(&search, "search", "", "case-insensitive title/description filter")
	return cmd
}

func flowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <flow_id>",
		Short: "Show a flow with its sub-requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Repo.GetFlow(ctx, args[0])
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
	return cmd
}

func flowReplyCmd() *cobra.Command {
	var text, verdict string
	cmd := &cobra.Command{
		Use:   "reply <flow_id> <sub_id>",
		Short: "Record an assignee reply",
		Long:  "Without --verdict the reply text is classified; with --verdict the fixed answer is stored verbatim.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				f, err := e.RecordReply(ctx, args[0], args[1], text, verdict, userID)
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "reply text")
	cmd.Flags().StringVar(&verdict, "verdict", "", "CONFIRMED or REJECTED (skips classification)")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func flowApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <flow_id> <sub_id>",
		Short: "Toggle a sub-request between DONE and SENT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				f, err := e.ToggleApproval(ctx, args[0], args[1], userID)
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
	return cmd
}

// --- team ---

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage the team directory"}
	team.AddCommand(teamListCmd())
	team.AddCommand(teamAddCmd())
	team.AddCommand(teamUpdateCmd())
	team.AddCommand(teamRemoveCmd())
	return team
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List team members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Role key", "Admin"})
				for _, u := range users {
					admin := ""
					if u.IsAdmin {
						admin = "yes"
					}
					t.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.RoleKey, admin})
				}
				t.Render()
				return nil
			})
		},
	}
}

func teamAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a team member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				added, err := e.AddUser(ctx, u, userID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(added)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (generated if omitted)")
	cmd.Flags().StringVar(&u.Name, "name", "", "full name")
	cmd.Flags().StringVar(&u.Email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&u.Role, "role", "", "role label")
	cmd.Flags().StringVar(&u.RoleKey, "role-key", "", "role key, family_variant (e.g. OBCHODNIK_ZDIVO)")
	cmd.Flags().BoolVar(&u.IsAdmin, "admin", false, "grant admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role-key")
	return cmd
}

func teamUpdateCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "update <user_id>",
		Short: "Update a team member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				current, err := e.Repo.GetUser(ctx, u.ID)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("name") {
					u.Name = current.Name
				}
				if !cmd.Flags().Changed("email") {
					u.Email = current.Email
				}
				if !cmd.Flags().Changed("role") {
					u.Role = current.Role
				}
				if !cmd.Flags().Changed("role-key") {
					u.RoleKey = current.RoleKey
				}
				if !cmd.Flags().Changed("admin") {
					u.IsAdmin = current.IsAdmin
				}
				updated, err := e.UpdateUser(ctx, u, userID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(updated)
			})
		},
	}
	cmd.Flags().StringVar(&u.Name, "name", "", "full name")
	cmd.Flags().StringVar(&u.Email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&u.Role, "role", "", "role label")
	cmd.Flags().StringVar(&u.RoleKey, "role-key", "", "role key")
	cmd.Flags().BoolVar(&u.IsAdmin, "admin", false, "grant admin")
	return cmd
}

func teamRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user_id>",
		Short: "Remove a team member (refused while they have open assignments)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				return e.RemoveUser(ctx, args[0], userID)
			})
		},
	}
}

// --- rules ---

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Manage delegation rules",
		Long:  "Delegation rules map keyword groups to roles; the breakdown engine uses them as routing hints.",
	}
	rules.AddCommand(rulesListCmd())
	rules.AddCommand(rulesUpsertCmd())
	rules.AddCommand(rulesDeleteCmd())
	rules.AddCommand(rulesAddKeywordCmd())
	rules.AddCommand(rulesRemoveKeywordCmd())
	return rules
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List delegation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mappings, err := e.Repo.ListMappings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mappings)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Role", "Group", "Keywords"})
				for _, m := range mappings {
					for _, g := range m.Groups {
						t.AppendRow(table.Row{m.ID, m.Role, g.Name, strings.Join(g.Keywords, ", ")})
					}
				}
				t.Render()
				return nil
			})
		},
	}
}

func rulesUpsertCmd() *cobra.Command {
	var id, role string
	var groups []string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace a delegation rule",
		Long:  `Groups are given as "Name:keyword1,keyword2" and may repeat.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := domain.RoleMapping{ID: id, Role: role}
			for _, g := range groups {
				name, kws, ok := strings.Cut(g, ":")
				if !ok {
					return fmt.Errorf("group %q: expected Name:keyword1,keyword2", g)
				}
				group := domain.KeywordGroup{Name: strings.TrimSpace(name)}
				for _, kw := range strings.Split(kws, ",") {
					if kw = strings.TrimSpace(kw); kw != "" {
						group.Keywords = append(group.Keywords, kw)
					}
				}
				m.Groups = append(m.Groups, group)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				saved, err := e.UpsertMapping(ctx, m, userID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(saved)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mapping id (generated if omitted)")
	cmd.Flags().StringVar(&role, "role", "", "target role label")
	cmd.Flags().StringArrayVar(&groups, "group", []string{}, `keyword group as "Name:kw1,kw2" (repeatable)`)
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mapping_id>",
		Short: "Delete a delegation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteMapping(ctx, args[0], userID)
			})
		},
	}
}

func rulesAddKeywordCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "add-keyword <mapping_id> <keyword>",
		Short: "Add a keyword to a rule group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				m, err := e.AddKeyword(ctx, args[0], group, args[1], userID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "keyword group name")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func rulesRemoveKeywordCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "remove-keyword <mapping_id> <keyword>",
		Short: "Remove a keyword from a rule group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				m, err := e.RemoveKeyword(ctx, args[0], group, args[1], userID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "keyword group name")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// --- analyses ---

func analysisCmd() *cobra.Command {
	analysis := &cobra.Command{Use: "analysis", Short: "Run and manage standalone analyses"}
	analysis.AddCommand(analysisRunCmd())
	analysis.AddCommand(analysisListCmd())
	analysis.AddCommand(analysisDeleteCmd())
	return analysis
}

func analysisRunCmd() *cobra.Command {
	var input, title string
	var save bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis over free-form input",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				content, saved, err := e.RunAnalysis(ctx, input, nil, title, userID, save)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"content": content, "saved": saved})
				}
				fmt.Println(content)
				if saved != nil {
					fmt.Printf("\nSaved as %s\n", saved.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input text")
	cmd.Flags().StringVar(&title, "title", "", "title when saving")
	cmd.Flags().BoolVar(&save, "save", false, "persist the result")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func analysisListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAnalyses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Title", "Created"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Title, a.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func analysisDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <analysis_id>",
		Short: "Delete a saved analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID, err := actingUser(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteAnalysis(ctx, args[0], userID)
			})
		},
	}
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate server clients via the X-Api-Key header. Only the SHA-256 hash is stored; the key itself is printed once on creation.",
	}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyRevokeCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var forUser, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if forUser == "" {
					id, err := actingUser(ctx, e)
					if err != nil {
						return err
					}
					forUser = id
				} else if _, err := e.Repo.GetUser(ctx, forUser); err != nil {
					return fmt.Errorf("user %s: %w", forUser, err)
				}
				secret := make([]byte, 24)
				if _, err := rand.Read(secret); err != nil {
					return err
				}
				raw := "frk_" + hex.EncodeToString(secret)
				key := domain.APIKey{
					ID:      "k-" + uuid.NewString(),
					UserID:  forUser,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": raw})
				}
				fmt.Printf("Key %s for %s (shown once):\n%s\n", key.ID, forUser, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forUser, "for", "", "user id the key acts as (default: acting user)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var forUser string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, forUser)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forUser, "for", "", "filter by user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default flowrequest.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "local", "workspace id")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.ID, cfg); err != nil {
					return err
				}
				return printJSONOrIndent(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var flowID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, flowID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&flowID, "flow", "", "flow id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:            os.Getenv("FLOWREQUEST_JWT_SECRET"),
					AllowLocalUserHeader: e.Config.Auth.AllowLocalUserHeader,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = e.Config.Auth.JWTSecret
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLocalUserHeader {
					return fmt.Errorf("FLOWREQUEST_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving FlowRequest API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveWorkspaceAndConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if !viper.GetBool("offline") {
		wireExternal(&e, cfg)
	}
	return fn(ctx, e)
}

// wireExternal swaps the offline defaults for the real Anthropic client and
// mail relay when they are configured. Missing credentials leave the
// heuristic fallbacks in place instead of failing commands that never reach
// an external service.
func wireExternal(e *engine.Engine, cfg *config.Config) {
	if a, err := ai.NewAnthropic(ai.AnthropicConfig{
		DecomposeModel: cfg.AI.DecomposeModel,
		ClassifyModel:  cfg.AI.ClassifyModel,
		AnalyzeModel:   cfg.AI.AnalyzeModel,
		MaxTokens:      cfg.AI.MaxTokens,
	}); err == nil {
		e.Decomposer = a
		e.Classifier = a
		e.Analyst = a
	}
	if relay, err := notify.NewRelay(notify.RelayConfig{
		URL:        cfg.Notifier.RelayURL,
		From:       cfg.Notifier.From,
		Timeout:    time.Duration(cfg.Notifier.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Notifier.MaxRetries,
	}); err == nil {
		e.Notifier = relay
	}
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// actingUser resolves --user, falling back to the seeded admin so local
// single-seat use needs no flag.
func actingUser(ctx context.Context, e engine.Engine) (string, error) {
	if id := strings.TrimSpace(viper.GetString("user")); id != "" {
		if _, err := e.Repo.GetUser(ctx, id); err != nil {
			return "", fmt.Errorf("user %s: %w", id, err)
		}
		return id, nil
	}
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.IsAdmin {
			return u.ID, nil
		}
	}
	if len(users) > 0 {
		return users[0].ID, nil
	}
	return "", fmt.Errorf("no users in directory; seed the team via flowrequest.yml or fr team add")
}

func printFlow(f domain.Flow) error {
	if viper.GetBool("json") {
		return printJSON(f)
	}
	fmt.Printf("%s  %s [%s]\n", f.ID, f.Title, f.Status)
	if f.Description != "" {
		fmt.Printf("  %s\n", f.Description)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Sub-request", "Title", "Assignee", "Status", "Due", "Verdict"})
	for _, s := range f.SubRequests {
		verdict := ""
		if s.ReplyVerdict != nil {
			verdict = *s.ReplyVerdict
		}
		t.AppendRow(table.Row{s.ID, s.Title, s.AssigneeID, s.Status, s.DueDate, verdict})
	}
	t.Render()
	return nil
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
