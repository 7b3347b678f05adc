package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/format"
	"github.com/Zverik/RevertUI/internal/store"
)

func newExportCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the task history as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput != nil && *jsonOutput {
				return fmt.Errorf("export always emits YAML; remove --json")
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(cmd.Context(), store.ListFilter{})
			if err != nil {
				return err
			}
			views := make([]api.TaskView, 0, len(tasks))
			for _, task := range tasks {
				views = append(views, api.NewTaskView(task))
			}

			w := os.Stdout
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return format.YAMLFormatter{}.Write(w, views)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: stdout)")

	return cmd
}
