package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rahul/missionctl/internal/app"
	"github.com/rahul/missionctl/internal/gateway"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/postevent"
	"github.com/rahul/missionctl/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "Plan and run multi-step missions across connected tools",
	Long: `missionctl turns goals into ordered plans of connector calls and runs them.
- Plan: an ordered list of steps produced by the LLM planner, a mission template or a document.
- Step: one connector action with parameters; retried up to the configured ceiling.
- Connectors: crm, email, calls, web, telegram, discord (enabled in config).
- Missions: named templates such as post_call and account_audit, filled with --var values.
Plans and their execution logs are kept in the configured store (sqlite or redis).`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (JSON or YAML); defaults to ./config.yaml or ./config.json when present")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(connectorsCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(eventCmd())
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	for _, candidate := range []string{"config.yaml", "config.json"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// withApp loads the configuration, wires the application and closes it when
// fn returns. Structured events go to stderr so command output stays clean.
func withApp(fn func(a *app.App) error) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.Options{Logger: observability.NewLoggerTo(os.Stderr, "")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, chat gateway and background executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			if cfg.App.Dashboard {
				observability.PrintBanner()
				observability.InitializeTerminal()
				// Route all log output through the terminal mutex so it never
				// interrupts the dashboard's cursor save/restore sequence.
				log.SetOutput(observability.NewTermWriter())
				defer observability.CleanupTerminal()
			}

			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if cfg.App.Dashboard {
				go func() {
					ticker := time.NewTicker(1 * time.Second)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							observability.PrintLiveStatus()
						}
					}
				}()
			}

			err = a.Run(ctx)
			log.Println("\033[95m[ EXIT ] MISSION CONTROL STOPPED.\033[0m")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <instruction>",
		Short: "Generate and store a plan without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, err := a.Service.Generate(cmd.Context(), strings.Join(args, " "), map[string]string{"source": "cli"})
				if err != nil {
					return err
				}
				return printPlan(p, nil)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run [plan-id]",
		Short: "Execute a stored plan, or a plan document with --file, in the foreground",
		Long: `Runs the plan to completion in this process. Interrupting with Ctrl-C stops at
the current step; the plan stays RUNNING and is resumed by a later run or by the
server's sweeper.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return errors.New("provide exactly one of a plan id or --file")
			}
			return withApp(func(a *app.App) error {
				ctx, stop := signalContext(cmd.Context())
				defer stop()

				var planID string
				if file != "" {
					doc, err := readPlanFile(file)
					if err != nil {
						return err
					}
					p, err := a.Service.Import(ctx, doc, map[string]string{"source": "cli"})
					if err != nil {
						return err
					}
					planID = p.ID
				} else {
					planID = args[0]
				}

				execErr := a.Orchestrator.ExecutePlan(ctx, planID)
				p, logs, err := a.Service.Status(context.WithoutCancel(ctx), planID)
				if err != nil {
					if execErr != nil {
						return execErr
					}
					return err
				}
				if err := printPlan(p, logs); err != nil {
					return err
				}
				return execErr
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan document (JSON or YAML)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan with its execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, logs, err := a.Service.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printPlan(p, logs)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var statusFilter []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []plan.Status
			for _, raw := range statusFilter {
				s, err := plan.ParseStatus(raw)
				if err != nil {
					return err
				}
				statuses = append(statuses, s)
			}
			return withApp(func(a *app.App) error {
				plans, err := a.Service.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Steps", "Source", "Updated", "Goal"})
				for _, p := range plans {
					tw.AppendRow(table.Row{
						p.ID, p.Status,
						fmt.Sprintf("%d/%d", p.Counts()[plan.StatusCompleted], len(p.Steps)),
						p.Metadata["source"], p.UpdatedAt.Local().Format(time.DateTime), truncate(p.OriginalGoal, 60),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statusFilter, "status", nil, "status filter (repeatable or comma-separated)")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Request cancellation at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.Service.Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"status": "cancel_requested", "plan_id": args[0]},
					fmt.Sprintf("Cancellation requested for %s", args[0]))
			})
		},
	}
}

func connectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List enabled connectors and their actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				cat := a.Service.Connectors()
				if viper.GetBool("json") {
					return printJSON(cat)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Connector", "Action", "Description"})
				for _, entry := range cat {
					if len(entry.Actions) == 0 {
						tw.AppendRow(table.Row{entry.Name, "", entry.Description})
					}
					for _, action := range entry.Actions {
						tw.AppendRow(table.Row{entry.Name, action.Name, action.Description})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Mission templates"}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionRunCmd())
	return m
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mission templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				names := a.Missions.Names()
				if viper.GetBool("json") {
					return printJSON(names)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mission", "Steps", "Description"})
				for _, name := range names {
					t, _ := a.Missions.Get(name)
					tw.AppendRow(table.Row{name, len(t.Steps), t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionRunCmd() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Instantiate a mission and run it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				p, err := a.Service.RunMission(ctx, args[0], values, map[string]string{"source": "cli"})
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, a, p.ID)
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable as key=value (repeatable)")
	return cmd
}

func eventCmd() *cobra.Command {
	var contactID, eventType string
	var vars []string
	cmd := &cobra.Command{
		Use:   "event <conversation-id>",
		Short: "Feed a finished conversation to the follow-up pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				id, err := a.Service.TriggerEvent(ctx, postevent.Event{
					Type:           eventType,
					ConversationID: args[0],
					ContactID:      contactID,
					Vars:           values,
					Metadata:       map[string]string{"source": "cli"},
				})
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, a, id)
			})
		},
	}
	cmd.Flags().StringVar(&contactID, "contact", "", "CRM contact id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type used for mission routing")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "extra template variable as key=value (repeatable)")
	return cmd
}

// waitAndPrint lets background executions finish, or stop at a step
// boundary when ctx is cancelled, then prints the plan.
func waitAndPrint(ctx context.Context, a *app.App, planID string) error {
	if err := a.Dispatcher.Shutdown(ctx); err != nil {
		log.Printf("Execution interrupted: %v", err)
	}
	p, logs, err := a.Service.Status(context.WithoutCancel(ctx), planID)
	if err != nil {
		return err
	}
	if err := printPlan(p, logs); err != nil {
		return err
	}
	if p.Status == plan.StatusFailed {
		return fmt.Errorf("plan %s failed: %s", p.ID, p.Error)
	}
	return nil
}

func parseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

type planFile struct {
	ID           string            `yaml:"id"`
	OriginalGoal string            `yaml:"original_goal"`
	Metadata     map[string]string `yaml:"metadata"`
	Steps        []struct {
		ID            string         `yaml:"id"`
		ConnectorName string         `yaml:"connector_name"`
		Action        string         `yaml:"action"`
		Params        map[string]any `yaml:"params"`
	} `yaml:"steps"`
}

// readPlanFile decodes a plan document. JSON documents parse as YAML.
func readPlanFile(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc planFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	p := &plan.Plan{ID: doc.ID, OriginalGoal: doc.OriginalGoal, Metadata: doc.Metadata}
	for _, s := range doc.Steps {
		p.Steps = append(p.Steps, plan.Step{ID: s.ID, ConnectorName: s.ConnectorName, Action: s.Action, Params: s.Params})
	}
	return p, nil
}

func printPlan(p *plan.Plan, logs []plan.LogEntry) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			Plan *plan.Plan      `json:"plan"`
			Logs []plan.LogEntry `json:"logs,omitempty"`
		}{p, logs})
	}
	renderPlan(os.Stdout, p, logs)
	return nil
}

func renderPlan(w io.Writer, p *plan.Plan, logs []plan.LogEntry) {
	fmt.Fprintln(w, gateway.Summary(p))
	fmt.Fprintln(w)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Step", "Connector", "Action", "Status", "Attempts", "Error"})
	for i, s := range p.Steps {
		tw.AppendRow(table.Row{i + 1, s.ID, s.ConnectorName, s.Action, s.Status, s.Attempts, truncate(s.LastError, 60)})
	}
	tw.Render()

	if len(logs) == 0 {
		return
	}
	lt := table.NewWriter()
	lt.SetOutputMirror(w)
	lt.AppendHeader(table.Row{"Time", "Event", "Step", "Attempt", "Message"})
	for _, e := range logs {
		attempt := ""
		if e.Attempt > 0 {
			attempt = fmt.Sprint(e.Attempt)
		}
		lt.AppendRow(table.Row{e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.StepID, attempt, truncate(e.Message, 70)})
	}
	lt.Render()
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
