package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume an interrupted task",
	Long: `Resumes an interrupted task at its persisted phase and sub-state.
Without an argument the newest interrupted task is proposed for
confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if err := app.server.Start(ctx); err != nil {
			return err
		}
		defer app.server.Stop()

		app.orch.Start()
		defer app.orch.Close()

		if len(args) == 0 {
			resumed, err := app.resumer.AutoResume(ctx)
			if err != nil {
				return err
			}
			if !resumed {
				fmt.Println("Nothing to resume.")
			}
			return nil
		}

		taskID := args[0]
		tasks, err := app.resumer.ListInterrupted()
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.TaskID == taskID {
				if err := app.resumer.Resume(ctx, taskID, task.Phase); err != nil {
					return err
				}
				slog.Info("Resumed task finished", "task_id", taskID)
				return nil
			}
		}
		return fmt.Errorf("no interrupted task %q", taskID)
	},
}
