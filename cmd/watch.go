package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/daymon/internal/store"
	"github.com/nextlevelbuilder/daymon/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage file watches",
}

var watchListJSON bool

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watches",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		watches, err := st.ListWatches("")
		if err != nil {
			return err
		}

		if watchListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(watches)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tSTATUS\tTRIGGERS\tLAST TRIGGERED")
		for _, wa := range watches {
			last := "-"
			if wa.LastTriggered != nil {
				last = *wa.LastTriggered
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", wa.ID, wa.Path, wa.Status, wa.TriggerCount, last)
		}
		return w.Flush()
	},
}

var watchAddDescription string

var watchAddCmd = &cobra.Command{
	Use:   "add <path> <action-prompt>",
	Short: "Watch a path and run a prompt on changes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			path = abs
		}
		resolved, err := watcher.ValidatePath(path)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		w, err := st.CreateWatch(resolved, watchAddDescription, args[1])
		if err != nil {
			return err
		}
		notifySidecar()
		fmt.Printf("created watch %d: %s\n", w.ID, w.Path)
		return nil
	},
}

var watchPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a watch",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWatchStatus(args[0], store.WatchPaused) },
}

var watchResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused watch",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWatchStatus(args[0], store.WatchActive) },
}

func setWatchStatus(idArg, status string) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid watch id %q", idArg)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.UpdateWatch(id, store.WatchPatch{Status: &status}); err != nil {
		return err
	}
	notifySidecar()
	fmt.Printf("watch %d is now %s\n", id, status)
	return nil
}

func init() {
	watchListCmd.Flags().BoolVar(&watchListJSON, "json", false, "machine-readable output")
	watchAddCmd.Flags().StringVar(&watchAddDescription, "description", "", "watch description")

	watchCmd.AddCommand(watchListCmd, watchAddCmd, watchPauseCmd, watchResumeCmd)
	rootCmd.AddCommand(watchCmd)
}
