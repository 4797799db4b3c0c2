package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fleetware/scriptfleet/internal/log"
	internal_storage "github.com/fleetware/scriptfleet/internal/storage"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/scheduler"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new task (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := newTaskService(store)

			scriptID, _ := cmd.Flags().GetInt64("script")
			taskType, _ := cmd.Flags().GetString("type")
			targetType, _ := cmd.Flags().GetString("target")
			devices, _ := cmd.Flags().GetStringSlice("devices")
			groupID, _ := cmd.Flags().GetInt64("group")
			at, _ := cmd.Flags().GetString("at")
			cronExpr, _ := cmd.Flags().GetString("cron")
			priority, _ := cmd.Flags().GetInt("priority")

			task := models.Task{
				Name:          args[0],
				ScriptID:      scriptID,
				TaskType:      models.TaskType(taskType),
				TargetType:    models.TargetType(targetType),
				TargetDevices: devices,
				CronExpr:      cronExpr,
				Priority:      priority,
			}
			if groupID != 0 {
				task.TargetGroupID = &groupID
			}
			if at != "" {
				scheduled, err := time.Parse(time.RFC3339, at)
				if err != nil {
					log.GetLogger().Errorf("Error parsing --at as RFC3339 time: %v", err)
					fmt.Fprintf(os.Stderr, "Error: invalid --at value: %v\n", err)
					os.Exit(1)
				}
				task.ScheduledTime = &scheduled
			}
			createTask(svc, task)
		},
	}
	createCmd.Flags().Int64("script", 0, "Script ID to run")
	createCmd.Flags().String("type", string(models.ImmediateTaskType), "Task type: IMMEDIATE, SCHEDULED or RECURRING")
	createCmd.Flags().String("target", string(models.AllTargets), "Target type: ALL, GROUP or SPECIFIC")
	createCmd.Flags().StringSlice("devices", nil, "Device IDs for SPECIFIC targeting")
	createCmd.Flags().Int64("group", 0, "Group ID for GROUP targeting")
	createCmd.Flags().String("at", "", "Scheduled time (RFC3339) for SCHEDULED tasks")
	createCmd.Flags().String("cron", "", "Cron expression for RECURRING tasks")
	createCmd.Flags().Int("priority", 0, "Dispatch priority, higher first")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all tasks (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			listTasks(newTaskService(store))
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a task and its open executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				log.GetLogger().Errorf("Error parsing id as number: %v", err)
				fmt.Fprintf(os.Stderr, "Error: invalid task id: %v\n", err)
				os.Exit(1)
			}
			store := initStore(cmd)
			defer store.Close()
			cancelTask(newTaskService(store), id)
		},
	}

	rootCmd.AddCommand(createCmd, listCmd, cancelCmd)
}

func newTaskService(store *internal_storage.PostgresStore) *scheduler.TaskService {
	locks := internal_storage.NewAdvisoryLockManager(store.DB())
	canceller := scheduler.NewCanceller(store, locks, log.GetLogger())
	return scheduler.NewTaskService(store, canceller, log.GetLogger())
}

func createTask(svc *scheduler.TaskService, task models.Task) {
	id, err := svc.CreateTask(task)
	if err != nil {
		log.GetLogger().Errorf("Failed to create task: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to create task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Created task '%s' with ID %d\n", task.Name, id)
}

func cancelTask(svc *scheduler.TaskService, id int64) {
	if err := svc.CancelTask(context.Background(), id); err != nil {
		log.GetLogger().Errorf("Failed to cancel task: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to cancel task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Cancelled task %d\n", id)
}

func listTasks(svc *scheduler.TaskService) {
	tasks, err := svc.ListTasks()
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Type: %s, Status: %s, Progress: %.2f%%, Created: %s\n",
			t.ID, t.Name, t.TaskType, t.Status, t.Progress(), t.CreateTime.Format(time.RFC3339))
	}
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
