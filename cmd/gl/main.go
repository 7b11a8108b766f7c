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

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/gate"
	"gateline/internal/governance"
	"gateline/internal/guard"
	"gateline/internal/logging"
	"gateline/internal/migrate"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline governs workflow phase transitions with weighted quality gates.
Work items move intake -> design -> build -> verify -> deliver -> done; each
transition is guarded by a gate scored from rule evidence. Failed gates feed
pattern detection and SLA-tracked escalations. Coordinator items get preflight
validation of their children, and the persistence guard keeps handoffs in the
store instead of loose artifact files.`,
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
		os.Exit(2)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("engine", "", "engine id (overrides stored default)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(escalationsCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(requirementCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are the units of governed work. They start in the intake phase as drafts and advance one phase at a time, but only through the gate guarding their current phase.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemAdvanceCmd())
	item.AddCommand(itemStatusCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts governance.WorkItemCreateOptions
	var attrs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			parsed, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			opts.Attrs = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "scope statement")
	cmd.Flags().StringVar(&opts.Type, "type", "technical", "item type")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent work item id")
	cmd.Flags().StringArrayVar(&attrs, "attr", []string{}, "attribute key=value (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Status", "Type", "Parent"})
				for _, w := range items {
					parent := ""
					if w.ParentID != nil {
						parent = *w.ParentID
					}
					tw.AppendRow(table.Row{w.ID, w.Title, w.Phase, w.Status, w.Type, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent work item id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	var withGates bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWorkItem(ctx, id)
				if err != nil {
					return err
				}
				if !withGates {
					return printJSONOrTable(w)
				}
				results, err := r.ListGateResults(ctx, id, 20)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"item":         w,
					"gate_results": results,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&withGates, "gates", false, "include gate evaluation history")
	return cmd
}

func itemAdvanceCmd() *cobra.Command {
	var evidenceFile string
	var pass, fail []string
	var apply bool
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Evaluate the phase gate and optionally advance",
		Long:  "Scores the gate guarding the item's current phase from the supplied evidence. A failing gate routes a failure event through pattern detection and may create an escalation. With --apply the item advances when the gate passes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ev, err := loadEvidence(evidenceFile, pass, fail)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				rep, err := e.EvaluateTransition(ctx, governance.TransitionRequest{
					WorkItemID: id,
					Evidence:   ev,
					ActorID:    viper.GetString("actor-id"),
					Apply:      apply,
					Force:      viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "JSON file: {\"rule\": {\"passed\": true, \"detail\": \"...\"}}")
	cmd.Flags().StringArrayVar(&pass, "pass", []string{}, "mark a rule passed (repeatable)")
	cmd.Flags().StringArrayVar(&fail, "fail", []string{}, "mark a rule failed (repeatable)")
	cmd.Flags().BoolVar(&apply, "apply", false, "advance the phase when the gate passes")
	return cmd
}

func itemStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update work item status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				w, err := e.SetStatus(ctx, id, status, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gate",
		Short: "Gate scoring",
		Long:  "Gates are weighted rule sets with a pass threshold. Scoring is deterministic: each rule contributes its weight when its evidence passed, the sum is scaled to 0-100, and required-rule failures block regardless of score.",
	}
	g.AddCommand(gateEvaluateCmd())
	return g
}

func gateEvaluateCmd() *cobra.Command {
	var gateID, itemID, evidenceFile string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a gate without a phase transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := loadEvidence(evidenceFile, nil, nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				if itemID != "" {
					if _, err := e.Repo.GetWorkItem(ctx, itemID); err != nil {
						return err
					}
				}
				rules, threshold, ok := e.Config.GateRules(gateID)
				if !ok {
					return fmt.Errorf("gate %q not configured", gateID)
				}
				res := gate.Score(rules, ev, threshold)
				return printJSONOrTable(map[string]any{
					"gate_id":   gateID,
					"score":     res.Score,
					"threshold": threshold,
					"passed":    res.Passed,
					"per_rule":  res.PerRule,
				})
			})
		},
	}
	cmd.Flags().StringVar(&gateID, "gate", "", "gate id (e.g. quality.gate)")
	cmd.Flags().StringVar(&itemID, "item", "", "work item id (optional)")
	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "JSON evidence file")
	_ = cmd.MarkFlagRequired("gate")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func escalationsCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalations",
		Short: "Escalation queue",
		Long:  "Escalations are pending decisions created when gate failures repeat into a pattern. The queue is ordered by SLA urgency: overdue first, then by age.",
	}
	esc.AddCommand(escalationsQueueCmd())
	esc.AddCommand(escalationsResolveCmd())
	return esc
}

func escalationsQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending escalations ordered by SLA urgency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				q := e.Tracker.Queue(ctx)
				if viper.GetBool("json") {
					return printJSON(q)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Item", "Level", "Occ", "Age (h)", "SLA (h)", "Overdue"})
				for _, it := range q.Items {
					tw.AppendRow(table.Row{it.DecisionID, it.Category, it.WorkItemID, it.Level, it.Occurrences, it.AgeHours, it.SLAHours, it.Overdue})
				}
				tw.Render()
				fmt.Printf("%d pending, %d overdue\n", len(q.Items), q.OverdueCount)
				return nil
			})
		},
	}
	return cmd
}

func escalationsResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <decision-id>",
		Short: "Resolve a pending escalation decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				if err := e.ResolveDecision(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("resolved %s\n", id)
				return nil
			})
		},
	}
	return cmd
}

func preflightCmd() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "preflight <work-item-id>",
		Short: "Coordinator preflight check",
		Long:  "Classifies the work item as coordinator or worker and, for coordinators, validates children and traceability documentation. With --validate, blocking issues exit 1.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var rep governance.PreflightReport
			err := withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				var err error
				rep, err = e.Preflight(ctx, id)
				return err
			})
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Fprintln(os.Stderr, "error:", err)
					os.Exit(2)
				}
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				printPreflight(rep)
			}
			if validate && rep.Validation.Blocking() {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "exit 1 when blocking issues are found")
	return cmd
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "guard",
		Short: "Persistence guard",
		Long:  "The guard vets write operations before they happen: prohibited artifact paths block, schema drift and duplicate open handoffs warn, and thin narratives are flagged.",
	}
	g.AddCommand(guardCheckCmd())
	return g
}

func guardCheckCmd() *cobra.Command {
	var op, itemID, kind, target string
	var narrative []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Assess an operation against persistence rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			nar, err := parseAttrs(narrative)
			if err != nil {
				return err
			}
			operation, err := buildGuardOperation(op, itemID, kind, target, nar)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				a := e.Guard.Validate(ctx, operation)
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printAssessment(a)
				if a.Verdict == guard.VerdictBlocked {
					os.Exit(1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation kind (create-record, create-artifact-file, check-duplicate, check-store-compliance, comprehensive)")
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	cmd.Flags().StringVar(&kind, "kind", "", "record kind")
	cmd.Flags().StringVar(&target, "target", "", "target file path")
	cmd.Flags().StringArrayVar(&narrative, "field", []string{}, "narrative field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func buildGuardOperation(op, itemID, kind, target string, narrative map[string]string) (guard.Operation, error) {
	switch op {
	case "create-record":
		return guard.CreateRecord{WorkItemID: itemID, RecordKind: kind, Narrative: narrative}, nil
	case "create-artifact-file":
		return guard.CreateArtifactFile{WorkItemID: itemID, TargetPath: target}, nil
	case "check-duplicate":
		return guard.CheckDuplicate{WorkItemID: itemID, RecordKind: kind}, nil
	case "check-store-compliance":
		return guard.CheckStoreCompliance{}, nil
	case "comprehensive":
		return guard.Comprehensive{WorkItemID: itemID, RecordKind: kind, TargetPath: target, Narrative: narrative}, nil
	default:
		return nil, fmt.Errorf("invalid guard operation %q", op)
	}
}

func handoffCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "handoff",
		Short: "Manage handoffs",
		Long:  "Handoffs are structured context-transfer records stored in the database. Creation goes through the persistence guard; blocked operations are refused.",
	}
	h.AddCommand(handoffCreateCmd())
	h.AddCommand(handoffListCmd())
	return h
}

func handoffCreateCmd() *cobra.Command {
	var itemID, kind string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a handoff through the guard",
		RunE: func(cmd *cobra.Command, args []string) error {
			nar, err := parseAttrs(fields)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				h, a, err := e.CreateHandoff(ctx, governance.HandoffCreateOptions{
					WorkItemID: itemID,
					Kind:       kind,
					Narrative:  nar,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if a.Verdict == guard.VerdictBlocked {
					if viper.GetBool("json") {
						_ = printJSON(a)
					} else {
						printAssessment(a)
					}
					os.Exit(1)
				}
				return printJSONOrTable(map[string]any{
					"handoff":    h,
					"assessment": a,
				})
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	cmd.Flags().StringVar(&kind, "kind", "handoff", "record kind")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "narrative field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func handoffListCmd() *cobra.Command {
	var itemID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handoffs for a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				hs, err := r.ListHandoffs(ctx, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(hs)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func requirementCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "requirement",
		Short: "Requirements documents",
	}
	r.AddCommand(requirementAttachCmd())
	return r
}

func requirementAttachCmd() *cobra.Command {
	var itemID, file, docRef string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a requirements document to a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				d, err := e.AttachRequirementDoc(ctx, itemID, string(data), docRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	cmd.Flags().StringVar(&file, "file", "", "path to the requirements document")
	cmd.Flags().StringVar(&docRef, "doc-ref", "", "external document reference")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine config",
		Long:  "Config is the rulebook stored in the DB: gates with weighted rules and thresholds, escalation pattern settings, SLA hours per category, and persistence guard rules. Import from YAML if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config (stored, or a YAML file with --file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
					return e.Config.Validate()
				})
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import engine config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertEngineConfig(ctx, cfg.Engine.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(engineID))
			return nil
		},
	}
	cmd.Flags().StringVar(&engineID, "engine-id", "default", "engine id for the template")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "The scoreboard: work item counts per phase and the escalation queue depth.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e governance.Engine) error {
				counts, err := e.Repo.CountWorkItemsByPhase(ctx)
				if err != nil {
					return err
				}
				q := e.Tracker.Queue(ctx)
				out := map[string]any{
					"engine_id":           e.Config.Engine.ID,
					"phase_counts":        counts,
					"pending_escalations": len(q.Items),
					"overdue_escalations": q.OverdueCount,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Engine: %s\n", e.Config.Engine.ID)
				fmt.Println("Items by phase:")
				for _, phase := range domain.Phases {
					if c, ok := counts[phase]; ok {
						fmt.Printf("  %s: %d\n", phase, c)
					}
				}
				fmt.Printf("Escalations: %d pending, %d overdue\n", len(q.Items), q.OverdueCount)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "glk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":     key.ID,
					"name":   key.Name,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: item changes, gate evaluations, escalations, handoffs.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
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
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), viper.GetString("engine"), r)
			if err != nil {
				return err
			}
			log, err := logging.New(viper.GetString("log-level"), "console")
			if err != nil {
				return err
			}
			defer log.Sync()
			e, err := governance.New(conn, cfg, log)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET"), Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, governance.Engine) error) error {
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
	cfg, err := app.ResolveConfig(ctx, viper.GetString("engine"), r)
	if err != nil {
		return err
	}
	log, err := logging.New(viper.GetString("log-level"), "console")
	if err != nil {
		return err
	}
	defer log.Sync()
	e, err := governance.New(conn, cfg, log)
	if err != nil {
		return err
	}
	return fn(ctx, e)
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

func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func loadEvidence(file string, pass, fail []string) (gate.Evidence, error) {
	ev := gate.Evidence{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid evidence file: %w", err)
		}
	}
	for _, name := range pass {
		ev[name] = gate.Check{Passed: true}
	}
	for _, name := range fail {
		ev[name] = gate.Check{Passed: false, Detail: "marked failed"}
	}
	return ev, nil
}

func printReport(rep governance.Report) {
	fmt.Printf("Gate %s: score %d/%d — %s\n", rep.GateID, rep.Score, rep.Threshold, rep.Verdict)
	for name, check := range rep.PerRule {
		mark := "✗"
		if check.Passed {
			mark = "✓"
		}
		if check.Detail != "" {
			fmt.Printf("  %s %s: %s\n", mark, name, check.Detail)
		} else {
			fmt.Printf("  %s %s\n", mark, name)
		}
	}
	if rep.Applied {
		fmt.Printf("Advanced %s -> %s\n", rep.FromPhase, rep.ToPhase)
	} else if rep.Verdict == "BLOCKED" {
		fmt.Printf("Blocked in %s\n", rep.FromPhase)
	}
	for _, issue := range rep.Issues {
		fmt.Printf("  issue [%s]: %s\n", issue.Code, issue.Message)
	}
	for _, warn := range rep.Warnings {
		fmt.Printf("  warning [%s]: %s\n", warn.Code, warn.Message)
	}
	for _, rec := range rep.Recommendations {
		fmt.Printf("  hint: %s\n", rec)
	}
	if rep.Escalation != nil && rep.Escalation.PatternDetected {
		occ := 0
		if rep.Escalation.Pattern != nil {
			occ = rep.Escalation.Pattern.Occurrences
		}
		fmt.Printf("Escalation: %s level=%s occurrences=%d\n",
			rep.Escalation.DecisionID, rep.Escalation.Level, occ)
	}
}

func printPreflight(rep governance.PreflightReport) {
	if !rep.Orchestrator.IsOrchestrator {
		fmt.Printf("%s: worker item (confidence %d)\n", rep.WorkItemID, rep.Orchestrator.Confidence)
		return
	}
	fmt.Printf("%s: coordinator via %s (confidence %d), %d children\n",
		rep.WorkItemID, rep.Orchestrator.Method, rep.Orchestrator.Confidence, len(rep.Children))
	for _, issue := range rep.Validation.Issues {
		fmt.Printf("  issue [%s]: %s\n", issue.Code, issue.Message)
	}
	for _, warn := range rep.Validation.Warnings {
		fmt.Printf("  warning [%s]: %s\n", warn.Code, warn.Message)
	}
	for _, step := range rep.Validation.Remediation {
		fmt.Printf("  %s: %s\n", step.Priority, step.Action)
	}
}

func printAssessment(a guard.Assessment) {
	fmt.Printf("Verdict: %s (confidence %d)\n", a.Verdict, a.Confidence)
	for _, v := range a.Violations {
		fmt.Printf("  violation [%s/%s]: %s\n", v.Code, v.Severity, v.Message)
	}
	for _, w := range a.Warnings {
		fmt.Printf("  warning [%s]: %s\n", w.Code, w.Message)
	}
	for _, r := range a.Recommendations {
		fmt.Printf("  hint: %s\n", r)
	}
}
