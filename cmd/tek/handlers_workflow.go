package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/workflow"
)

// openRuntime builds the runtime for a one-shot command. Logs go to stderr
// at warn level so command output stays readable.
func openRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})
	return newRuntime(ctx, cfg, logger)
}

func closeRuntime(rt *runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Close(ctx)
}

func runWorkflowList(cmd *cobra.Command, configPath string) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	defs := rt.workflows.List()
	if len(defs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No workflows in %s\n", rt.workflows.Dir())
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTEPS\tSOURCE")
	for _, def := range defs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", def.ID, def.Name, len(def.Steps), def.Source)
	}
	return w.Flush()
}

func runWorkflowRun(cmd *cobra.Command, configPath, id string) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	def, ok := rt.workflows.Get(id)
	if !ok {
		return fmt.Errorf("workflow %q: %w", id, workflow.ErrWorkflowNotFound)
	}
	rt.engine.SetApprovalHandler(func(exec *workflow.Execution, step workflow.Step) {
		slog.Warn("workflow paused for approval", "execution", exec.ID, "step", step.ID)
	})
	exec, err := rt.engine.Execute(cmd.Context(), def, workflow.TriggerManual, rt.newTools())
	if err != nil {
		return err
	}
	return printExecution(cmd, exec)
}

func runWorkflowResume(cmd *cobra.Command, configPath, executionID string) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	exec, err := rt.engine.Resume(cmd.Context(), executionID, rt.newTools())
	if err != nil {
		return err
	}
	return printExecution(cmd, exec)
}

func runWorkflowStatus(cmd *cobra.Command, configPath, executionID, status string, limit int) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	if executionID != "" {
		exec, err := rt.engine.Get(cmd.Context(), executionID)
		if err != nil {
			return err
		}
		return printExecution(cmd, exec)
	}
	execs, err := rt.engine.List(cmd.Context(), workflow.Status(status), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTEP\tTRIGGER\tUPDATED")
	for _, exec := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			exec.ID, exec.WorkflowID, exec.Status, exec.CurrentStepID, exec.Trigger,
			exec.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func printExecution(cmd *cobra.Command, exec *workflow.Execution) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Execution %s (%s): %s\n", exec.ID, exec.WorkflowID, exec.Status)
	if exec.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", exec.Error)
	}
	if exec.Status == workflow.StatusPaused {
		fmt.Fprintf(out, "  waiting for approval at %q; run: tek workflow resume %s\n", exec.CurrentStepID, exec.ID)
	}
	ids := make([]string, 0, len(exec.StepResults))
	for id := range exec.StepResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		result := exec.StepResults[id]
		line := fmt.Sprintf("  %-20s %s", id, result.Status)
		if result.Error != "" {
			line += " - " + result.Error
		} else if result.Output != nil {
			if data, err := json.Marshal(result.Output); err == nil {
				line += " " + truncate(string(data), 120)
			}
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, configPath string) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	list, err := rt.scheduler.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tCRON\tTIMEZONE\tENABLED\tRUNS\tTARGET")
	for _, sc := range list {
		target := sc.WorkflowID
		if target == "" {
			target = sc.Checklist
		}
		runs := fmt.Sprintf("%d", sc.RunCount)
		if sc.MaxRuns > 0 {
			runs = fmt.Sprintf("%d/%d", sc.RunCount, sc.MaxRuns)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			sc.ID, sc.Kind, sc.CronExpr, sc.Timezone, sc.Enabled, runs, target)
	}
	return w.Flush()
}

func runScheduleRemove(cmd *cobra.Command, configPath, id string) error {
	rt, err := openRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	if err := rt.scheduler.Remove(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed schedule %s\n", id)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
