package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/store"
)

func newListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		username    string
		pendingOnly bool
		doneOnly    bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list [task-id]",
		Short: "List queued and finished reverts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid task id %q", args[0])
				}
				task, err := st.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				view := api.NewTaskView(task)
				if *jsonOutput {
					return writeJSON(view)
				}
				return writeTaskDetail(view)
			}

			if pendingOnly && doneOnly {
				return fmt.Errorf("--pending and --done are mutually exclusive")
			}
			filter := store.ListFilter{Username: username, Limit: limit}
			if pendingOnly {
				t := true
				filter.Pending = &t
			}
			if doneOnly {
				f := false
				filter.Pending = &f
			}

			tasks, err := st.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			views := make([]api.TaskView, 0, len(tasks))
			for _, task := range tasks {
				views = append(views, api.NewTaskView(task))
			}
			if *jsonOutput {
				return writeJSON(views)
			}
			return writeTaskList(views)
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "only tasks submitted by this user")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only queued tasks")
	cmd.Flags().BoolVar(&doneOnly, "done", false, "only finished tasks")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit results")

	return cmd
}
