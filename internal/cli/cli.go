package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/europeana/metis-framework-sub004/internal/config"
	"github.com/europeana/metis-framework-sub004/internal/log"
	internal_redis "github.com/europeana/metis-framework-sub004/internal/redis"
	internal_storage "github.com/europeana/metis-framework-sub004/internal/storage"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// serviceOpener builds the workflow service used by the client commands. The
// returned func releases what was opened.
type serviceOpener func(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*service.WorkflowService, func(), error)

// openService is replaced in tests.
var openService serviceOpener = openRemoteService

func openRemoteService(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*service.WorkflowService, func(), error) {
	store, err := internal_storage.InitStore(cfg.Database.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "initialize store")
	}
	rdb, err := internal_redis.Connect(ctx, internal_redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		store.Close()
		return nil, nil, errors.Wrap(err, "connect to redis")
	}
	q := internal_redis.NewQueue(rdb, cfg.Queue.Name, cfg.Queue.VisibilityTimeout)
	closeFn := func() {
		rdb.Close()
		store.Close()
	}
	return service.NewWorkflowService(store, q, logger), closeFn, nil
}

// SetupCLI registers every command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.SilenceUsage = true

	workflowCmd := &cobra.Command{Use: "workflow", Short: "Manage dataset workflows"}
	workflowCmd.AddCommand(newWorkflowSetCmd(), newWorkflowGetCmd())

	scheduleCmd := &cobra.Command{Use: "schedule", Short: "Manage scheduled workflows"}
	scheduleCmd.AddCommand(newScheduleSetCmd(), newScheduleDeleteCmd())

	rootCmd.AddCommand(
		newWorkerCmd(),
		newEnqueueCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newListCmd(),
		workflowCmd,
		scheduleCmd,
	)
}

func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := log.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// withService runs fn against a freshly opened workflow service.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.WorkflowService) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}

func addStageFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("stages", nil, "Comma separated plugin types, in execution order")
	cmd.Flags().StringSlice("disabled", nil, "Plugin types of --stages to keep in the chain but skip")
	cmd.Flags().String("harvest-url", "", "Harvest endpoint or file location")
	cmd.Flags().String("set-spec", "", "OAI-PMH set")
	cmd.Flags().String("metadata-format", "", "OAI-PMH metadata format")
	cmd.Flags().Bool("incremental", false, "Harvest incrementally")
}

func stagesFromFlags(cmd *cobra.Command) ([]models.StageConfig, error) {
	types, _ := cmd.Flags().GetStringSlice("stages")
	disabled, _ := cmd.Flags().GetStringSlice("disabled")
	url, _ := cmd.Flags().GetString("harvest-url")
	setSpec, _ := cmd.Flags().GetString("set-spec")
	format, _ := cmd.Flags().GetString("metadata-format")
	incremental, _ := cmd.Flags().GetBool("incremental")
	return parseStages(types, disabled, models.HarvestParameters{
		URL:                url,
		SetSpec:            setSpec,
		MetadataFormat:     format,
		IncrementalHarvest: incremental,
	})
}

// parseStages turns plugin type names into a chain. Harvest parameters are
// attached to every harvesting stage.
func parseStages(types, disabled []string, harvest models.HarvestParameters) ([]models.StageConfig, error) {
	if len(types) == 0 {
		return nil, errors.New("--stages is required")
	}
	skip := make(map[models.PluginType]bool, len(disabled))
	for _, name := range disabled {
		pt, ok := models.ParsePluginType(strings.ToUpper(strings.TrimSpace(name)))
		if !ok {
			return nil, errors.Errorf("unknown plugin type %q", name)
		}
		skip[pt] = true
	}
	stages := make([]models.StageConfig, 0, len(types))
	for _, name := range types {
		pt, ok := models.ParsePluginType(strings.ToUpper(strings.TrimSpace(name)))
		if !ok {
			return nil, errors.Errorf("unknown plugin type %q", name)
		}
		cfg := models.StageConfig{Type: pt, Enabled: !skip[pt]}
		if pt.IsHarvest() {
			h := harvest
			cfg.Harvest = &h
		}
		stages = append(stages, cfg)
	}
	return stages, nil
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [dataset-id]",
		Short: "Queue a workflow execution for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetInt("priority")
			enforcedName, _ := cmd.Flags().GetString("enforced-predecessor")
			fromWorkflow, _ := cmd.Flags().GetBool("from-workflow")

			var enforced *models.PluginType
			if enforcedName != "" {
				pt, ok := models.ParsePluginType(strings.ToUpper(enforcedName))
				if !ok {
					return errors.Errorf("unknown plugin type %q", enforcedName)
				}
				enforced = &pt
			}

			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				var stages []models.StageConfig
				if fromWorkflow {
					w, err := svc.GetWorkflow(ctx, args[0])
					if err != nil {
						return err
					}
					stages = w.Stages
				} else {
					var err error
					if stages, err = stagesFromFlags(cmd); err != nil {
						return err
					}
				}
				e, err := svc.AddWorkflowInQueue(ctx, args[0], stages, enforced, priority)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued execution %s for dataset %s with priority %d\n", e.ID, e.DatasetID, e.Priority)
				return nil
			})
		},
	}
	addStageFlags(cmd)
	cmd.Flags().Int("priority", 0, "Queue priority, 0 (lowest) to 10")
	cmd.Flags().String("enforced-predecessor", "", "Plugin type the first stage must chain after")
	cmd.Flags().Bool("from-workflow", false, "Use the dataset's stored workflow instead of --stages")
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Request cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				if err := svc.CancelExecution(ctx, args[0], by); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation of execution %s requested\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("by", "cli", "Who requests the cancellation")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				e, err := svc.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				printExecution(cmd.OutOrStdout(), e)
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions in a status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			token, _ := cmd.Flags().GetString("next-page")
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				page, err := svc.ListExecutions(ctx, models.ExecutionStatus(strings.ToUpper(status)), token, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(page.Executions) == 0 {
					fmt.Fprintf(out, "No executions found.\n")
					return nil
				}
				for _, e := range page.Executions {
					fmt.Fprintf(out, "- ID: %s, Dataset: %s, Status: %s, Priority: %d, Created: %s\n",
						e.ID, e.DatasetID, e.Status, e.Priority, e.CreatedDate.Format(time.RFC3339))
				}
				if page.NextToken != "" {
					fmt.Fprintf(out, "Next page: %s\n", page.NextToken)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("status", string(models.QueuedExecutionStatus), "Execution status to list")
	cmd.Flags().Int("limit", 0, "Page size")
	cmd.Flags().String("next-page", "", "Token of the page to fetch")
	return cmd
}

func newWorkflowSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [dataset-id]",
		Short: "Store the default chain of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := stagesFromFlags(cmd)
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				if err := svc.SaveWorkflow(ctx, models.Workflow{DatasetID: args[0], Stages: stages}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved workflow of dataset %s with %d stages\n", args[0], len(stages))
				return nil
			})
		},
	}
	addStageFlags(cmd)
	return cmd
}

func newWorkflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [dataset-id]",
		Short: "Show the default chain of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				w, err := svc.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Workflow of dataset %s:\n", w.DatasetID)
				for i, s := range w.Stages {
					fmt.Fprintf(out, "  %d. %s enabled=%t\n", i+1, s.Type, s.Enabled)
				}
				return nil
			})
		},
	}
}

func newScheduleSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [dataset-id]",
		Short: "Schedule the stored workflow of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frequency, _ := cmd.Flags().GetString("frequency")
			pointerRaw, _ := cmd.Flags().GetString("pointer")
			priority, _ := cmd.Flags().GetInt("priority")
			owner, _ := cmd.Flags().GetString("owner")
			pointer, err := time.Parse(time.RFC3339, pointerRaw)
			if err != nil {
				return errors.Wrap(err, "--pointer must be an RFC 3339 timestamp")
			}
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				err := svc.ScheduleWorkflow(ctx, models.ScheduledWorkflow{
					DatasetID:   args[0],
					Owner:       owner,
					PointerDate: pointer,
					Frequency:   models.Frequency(strings.ToUpper(frequency)),
					Priority:    priority,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled workflow of dataset %s %s\n", args[0], strings.ToUpper(frequency))
				return nil
			})
		},
	}
	cmd.Flags().String("frequency", string(models.OnceFrequency), "ONCE, DAILY, WEEKLY, MONTHLY or NONE")
	cmd.Flags().String("pointer", "", "Reference instant of the recurrence (RFC 3339)")
	cmd.Flags().Int("priority", 0, "Queue priority of triggered executions, 0 uses the configured default")
	cmd.Flags().String("owner", "cli", "Owner of the schedule")
	return cmd
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [dataset-id]",
		Short: "Remove the schedule of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service.WorkflowService) error {
				if err := svc.UnscheduleWorkflow(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed schedule of dataset %s\n", args[0])
				return nil
			})
		},
	}
}

func printExecution(out io.Writer, e models.WorkflowExecution) {
	fmt.Fprintf(out, "Execution %s\n", e.ID)
	fmt.Fprintf(out, "  Dataset:  %s\n", e.DatasetID)
	fmt.Fprintf(out, "  Status:   %s\n", e.Status)
	if e.Cancelling {
		fmt.Fprintf(out, "  Cancelling, requested by %s\n", e.CancelledBy)
	}
	fmt.Fprintf(out, "  Priority: %d\n", e.Priority)
	fmt.Fprintf(out, "  Created:  %s\n", e.CreatedDate.Format(time.RFC3339))
	if e.FinishedDate != nil {
		fmt.Fprintf(out, "  Finished: %s\n", e.FinishedDate.Format(time.RFC3339))
	}
	for i, s := range e.Stages {
		line := fmt.Sprintf("  %d. %-20s %-10s", i+1, s.Type, s.Status)
		if s.Progress != nil {
			line += fmt.Sprintf(" %d/%d processed, %d errors", s.Progress.Processed, s.Progress.Total, s.Progress.Errors)
		}
		if s.ExternalTaskID != "" {
			line += " task=" + s.ExternalTaskID
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
}
