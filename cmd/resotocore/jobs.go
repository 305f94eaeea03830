package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcputter/resoto/pkg/storage"
	"github.com/jcputter/resoto/pkg/task"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job definitions",
}

func init() {
	jobsCmd.PersistentFlags().String("data-dir", "/var/lib/resotocore", "Directory for persistent state")
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <name> <definition>",
	Short: "Add a job from its compact definition",
	Long: `Add a job from its compact definition: "[cron] [event] : command".

Examples:
  resotocore jobs add nightly '0 4 * * * : cleanup'
  resotocore jobs add guarded '0 4 * * * cleanup_plan : cleanup'
  resotocore jobs add on-event 'cleanup_plan : cleanup'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := task.ParseJobLine(args[0], args[1])
		if err != nil {
			return err
		}
		return withJobsCollection(cmd, func(coll storage.Collection) error {
			doc, err := storage.NewDocument(job.JobID, job)
			if err != nil {
				return err
			}
			if _, err := storage.Save(coll, doc); err != nil {
				return err
			}
			fmt.Printf("Job %s added\n", job.JobID)
			return nil
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobsCollection(cmd, func(coll storage.Collection) error {
			docs, err := coll.All()
			if err != nil {
				return err
			}
			for _, doc := range docs {
				var job task.Job
				if err := json.Unmarshal(doc.Data, &job); err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", job.JobID, job.Command)
			}
			return nil
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobsCollection(cmd, func(coll storage.Collection) error {
			if err := coll.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %s deleted\n", args[0])
			return nil
		})
	},
}

func withJobsCollection(cmd *cobra.Command, fn func(storage.Collection) error) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	return fn(store.Collection(storage.CollectionJobs))
}
