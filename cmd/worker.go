package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker personas",
}

var workerListJSON bool

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		workers, err := st.ListWorkers()
		if err != nil {
			return err
		}

		if workerListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(workers)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMODEL\tDEFAULT\tTASKS")
		for _, wk := range workers {
			def := ""
			if wk.IsDefault {
				def = "*"
			}
			model := wk.Model
			if model == "" {
				model = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", wk.ID, wk.Name, model, def, wk.TaskCount)
		}
		return w.Flush()
	},
}

var (
	workerAddDescription string
	workerAddModel       string
	workerAddDefault     bool
)

var workerAddCmd = &cobra.Command{
	Use:   "add <name> <system-prompt>",
	Short: "Create a worker persona",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		wk, err := st.CreateWorker(args[0], args[1], workerAddDescription, workerAddModel, workerAddDefault)
		if err != nil {
			return err
		}
		fmt.Printf("created worker %d: %s\n", wk.ID, wk.Name)
		return nil
	},
}

var workerDefaultCmd = &cobra.Command{
	Use:   "default <id>",
	Short: "Make a worker the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid worker id %q", args[0])
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetDefaultWorker(id); err != nil {
			return err
		}
		fmt.Printf("worker %d is now the default\n", id)
		return nil
	},
}

func init() {
	workerListCmd.Flags().BoolVar(&workerListJSON, "json", false, "machine-readable output")
	workerAddCmd.Flags().StringVar(&workerAddDescription, "description", "", "worker description")
	workerAddCmd.Flags().StringVar(&workerAddModel, "model", "", "model override")
	workerAddCmd.Flags().BoolVar(&workerAddDefault, "default", false, "make this the default worker")

	workerCmd.AddCommand(workerListCmd, workerAddCmd, workerDefaultCmd)
	rootCmd.AddCommand(workerCmd)
}
