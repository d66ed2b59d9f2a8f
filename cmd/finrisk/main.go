package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"finrisk/internal/app"
	"finrisk/internal/config"
	"finrisk/internal/db"
	"finrisk/internal/domain"
	"finrisk/internal/engine"
	"finrisk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "finrisk",
	Short: "FinRisk study CLI",
	Long: `FinRisk runs human-in-the-loop financial risk summarization studies.
Core concepts:
- Participant: a study subject; the participant number decides group (A/B) and ticker rotation.
- Session: one sitting of the study, three phases, each phase in a different HITL mode.
- Task: one phase's work item: retrieve risk chunks for a ticker, generate a summary, complete.
- Checkpoint definition: a reusable control (chunk selector, summary editor, questionnaire) bound to a pipeline position.
- Checkpoint instance: a definition resolved against a task; submitted payloads are validated against the definition's field schema.
- Event log: the audit diary of every transition, view with 'finrisk log tail'.`,
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
	viper.SetEnvPrefix("FINRISK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed builtin checkpoint definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.SeedDefinitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": created})
				}
				fmt.Printf("Seeded %d checkpoint definition(s)\n", created)
				return nil
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage study sessions",
		Long:  "A session is one participant's sitting: three phases, one task each, modes ordered by the participant's group.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionNextPhaseCmd())
	s.AddCommand(sessionCompleteCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <participant-id>",
		Short: "Start a session for a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.StartSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.GetSessionState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func sessionNextPhaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-phase <session-id>",
		Short: "Advance session to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.NextPhase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func sessionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Complete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				session, err := e.CompleteSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Drive task pipelines",
		Long:  "Tasks move through retrieval (query), generation (generate), and completion. Checkpoints gate the steps in HITL modes.",
	}
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskQueryCmd())
	t.AddCommand(taskGenerateCmd())
	t.AddCommand(taskCompleteCmd())
	return t
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func taskQueryCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "query <task-id>",
		Short: "Run retrieval for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.QueryTask(ctx, args[0], query)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "query override (defaults to the ticker's configured query)")
	return cmd
}

func taskGenerateCmd() *cobra.Command {
	var selected []string
	cmd := &cobra.Command{
		Use:   "generate <task-id>",
		Short: "Run generation for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.GenerateTask(ctx, args[0], selected)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringArrayVar(&selected, "select-node", []string{}, "retrieved node id to generate from (repeatable)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.CompleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Resolve and drive checkpoint instances",
	}
	cp.AddCommand(checkpointResolveCmd())
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointShowCmd())
	cp.AddCommand(checkpointSubmitCmd())
	cp.AddCommand(checkpointTransitionCmd("skip", "Skip an optional checkpoint", engine.Engine.Skip))
	cp.AddCommand(checkpointTransitionCmd("retry", "Retry a failed checkpoint", engine.Engine.Retry))
	cp.AddCommand(checkpointTransitionCmd("timeout", "Mark a checkpoint timed out", engine.Engine.Timeout))
	return cp
}

func checkpointResolveCmd() *cobra.Command {
	var position string
	cmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Resolve checkpoints for a task at a pipeline position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos := domain.PipelinePosition(position)
			if !pos.Valid() {
				return fmt.Errorf("invalid --position %q", position)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ResolveCheckpoints(ctx, args[0], pos)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&position, "position", "", "pipeline position (after_retrieval, after_generation, post_generation)")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func checkpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's checkpoint instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Control", "State", "Attempts", "Offered At"})
				for _, in := range items {
					offered := ""
					if in.OfferedAt != nil {
						offered = *in.OfferedAt
					}
					tw.AppendRow(table.Row{in.ID, in.ControlType, in.State, in.AttemptCount, offered})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id> <instance-id>",
		Short: "Show a checkpoint instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.GetInstance(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	return cmd
}

func checkpointSubmitCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "submit <task-id> <instance-id>",
		Short: "Submit a checkpoint payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				return fmt.Errorf("invalid --payload-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Submit(ctx, args[0], args[1], payload)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(outcome); err != nil {
					return err
				}
				if !outcome.Accepted() {
					return fmt.Errorf("submission rejected (attempt %d of %d)", outcome.Instance.AttemptCount, outcome.Definition.MaxRetries)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON object")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func checkpointTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string, string) (engine.ResolvedCheckpoint, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <task-id> <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := fn(e, ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	return cmd
}

func definitionCmd() *cobra.Command {
	def := &cobra.Command{
		Use:   "definition",
		Short: "Manage checkpoint definitions",
		Long:  "Definitions are the checkpoint catalog: control type, pipeline position, field schema, retry budget. Disabling one stops future resolution without touching existing instances.",
	}
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionCreateCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionToggleCmd("enable", "Enable a definition", true))
	def.AddCommand(definitionToggleCmd("disable", "Disable a definition", false))
	return def
}

func definitionListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoint definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDefinitions(ctx, enabledOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Control", "Label", "Position", "Sort", "Required", "Enabled"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ControlType, d.Label, d.PipelinePosition, d.SortOrder, d.Required, d.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "only enabled definitions")
	return cmd
}

func definitionCreateCmd() *cobra.Command {
	var opts engine.DefinitionCreateOptions
	var position, fieldSchemaJSON string
	var modes []string
	var timeoutSeconds, maxRetries int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checkpoint definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.PipelinePosition = domain.PipelinePosition(position)
			opts.ApplicableModes = modes
			if fieldSchemaJSON != "" {
				if err := json.Unmarshal([]byte(fieldSchemaJSON), &opts.FieldSchema); err != nil {
					return fmt.Errorf("invalid --field-schema-json: %w", err)
				}
			}
			if cmd.Flags().Changed("timeout-seconds") {
				opts.TimeoutSeconds = &timeoutSeconds
			}
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = &maxRetries
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDefinition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ControlType, "control-type", "", "control type (natural key)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "display label")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&position, "position", "", "pipeline position")
	cmd.Flags().IntVar(&opts.SortOrder, "sort-order", 0, "sort order within position")
	cmd.Flags().StringArrayVar(&modes, "mode", []string{}, "applicable mode (repeatable, * for all)")
	cmd.Flags().BoolVar(&opts.Required, "required", false, "cannot be skipped")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "timeout seconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", engine.DefaultMaxRetries, "retry budget")
	cmd.Flags().StringVar(&fieldSchemaJSON, "field-schema-json", "", "field schema JSON array")
	_ = cmd.MarkFlagRequired("control-type")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func definitionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkpoint definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func definitionToggleCmd(use, short string, enabled bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetDefinitionEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is finrisk.yml in the workspace: tickers and queries for the study, PageIndex/OpenAI upstreams, mock fallback, synthetic latency.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default finrisk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit diary: session, task, checkpoint, and definition transitions in order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, sessionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.OpenWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving FinRisk Study API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.OpenWorkspace(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func printJSONOrTable(v any) error {
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
