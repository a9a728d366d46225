package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/daymon/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage background tasks",
}

var taskListJSON bool

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.ListTasks("")
		if err != nil {
			return err
		}

		if taskListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tasks)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTRIGGER\tSCHEDULE\tRUNS\tERRORS\tLAST RUN")
		for _, t := range tasks {
			schedule := ""
			switch {
			case t.CronExpression != nil:
				schedule = *t.CronExpression
			case t.ScheduledAt != nil:
				schedule = *t.ScheduledAt
			}
			lastRun := "-"
			if t.LastRun != nil {
				lastRun = *t.LastRun
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				t.ID, t.Name, t.Status, t.TriggerType, schedule, t.RunCount, t.ErrorCount, lastRun)
		}
		return w.Flush()
	},
}

var (
	taskAddDescription string
	taskAddCron        string
	taskAddAt          string
	taskAddMaxRuns     int
	taskAddWorker      int64
	taskAddContinuity  bool
	taskAddTimeout     int
)

var taskAddCmd = &cobra.Command{
	Use:   "add <name> <prompt>",
	Short: "Create a task",
	Long: `Creates a task. With --cron it fires on the schedule, with --at it
fires once at the given time (2006-01-02T15:04:05.000Z), otherwise it only
runs on demand.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		p := store.TaskParams{
			Name:              args[0],
			Prompt:            args[1],
			Description:       taskAddDescription,
			TriggerType:       store.TriggerManual,
			SessionContinuity: taskAddContinuity,
		}
		if taskAddCron != "" && taskAddAt != "" {
			return fmt.Errorf("--cron and --at are mutually exclusive")
		}
		if taskAddCron != "" {
			p.TriggerType = store.TriggerCron
			p.CronExpression = &taskAddCron
		}
		if taskAddAt != "" {
			p.TriggerType = store.TriggerOnce
			p.ScheduledAt = &taskAddAt
		}
		if taskAddMaxRuns > 0 {
			p.MaxRuns = &taskAddMaxRuns
		}
		if taskAddWorker > 0 {
			p.WorkerID = &taskAddWorker
		}
		if taskAddTimeout > 0 {
			p.TimeoutMinutes = &taskAddTimeout
		}

		task, err := st.CreateTask(p)
		if err != nil {
			return err
		}
		notifySidecar()
		fmt.Printf("created task %d: %s\n", task.ID, task.Name)
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a task now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := sidecarURL()
		if err != nil {
			return err
		}
		resp, err := httpClient.Post(base+"/tasks/"+args[0]+"/run", "application/json", nil)
		if err != nil {
			return fmt.Errorf("sidecar unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			return fmt.Errorf("run rejected: %s", body["error"])
		}
		fmt.Println("run accepted")
		return nil
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskStatus(args[0], store.TaskPaused) },
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskStatus(args[0], store.TaskActive) },
}

func setTaskStatus(idArg, status string) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", idArg)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetTaskStatus(id, status); err != nil {
		return err
	}
	notifySidecar()
	fmt.Printf("task %d is now %s\n", id, status)
	return nil
}

func init() {
	taskListCmd.Flags().BoolVar(&taskListJSON, "json", false, "machine-readable output")

	taskAddCmd.Flags().StringVar(&taskAddDescription, "description", "", "task description")
	taskAddCmd.Flags().StringVar(&taskAddCron, "cron", "", "cron expression")
	taskAddCmd.Flags().StringVar(&taskAddAt, "at", "", "one-shot fire time")
	taskAddCmd.Flags().IntVar(&taskAddMaxRuns, "max-runs", 0, "complete after N successful runs")
	taskAddCmd.Flags().Int64Var(&taskAddWorker, "worker", 0, "pin to a worker id")
	taskAddCmd.Flags().BoolVar(&taskAddContinuity, "continuity", false, "resume the AI session across runs")
	taskAddCmd.Flags().IntVar(&taskAddTimeout, "timeout", 0, "per-run timeout in minutes")

	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskRunCmd, taskPauseCmd, taskResumeCmd)
	rootCmd.AddCommand(taskCmd)
}
