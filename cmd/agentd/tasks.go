package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List interrupted tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}

		tasks, err := app.resumer.ListInterrupted()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No interrupted tasks.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tPHASE\tLAST ACTIVE\tREQUEST")
		for _, task := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				task.TaskID, task.Phase,
				task.UpdatedAt.Format("2006-01-02 15:04:05"),
				truncate(task.RequestText, 60))
		}
		return w.Flush()
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
