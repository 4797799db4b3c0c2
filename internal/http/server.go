package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetware/scriptfleet/internal/log"
	"github.com/fleetware/scriptfleet/pkg/delivery"
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/scheduler"
)

// StartServer exposes the read/cancel surface plus the inbound result
// webhook the transport layer posts device results to.
func StartServer(port string, svc *scheduler.TaskService, tracker *scheduler.Tracker) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/tasks", TasksHandler(svc))
	mux.HandleFunc("/tasks/cancel", CancelHandler(svc))
	mux.HandleFunc("/results", ResultsHandler(tracker))

	log.GetLogger().Infof("Starting ScriptFleet server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ScriptFleet server is running")
}

func TasksHandler(svc *scheduler.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listTasksHTTP(w, svc)
		case http.MethodPost:
			createTaskHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func createTaskHTTP(w http.ResponseWriter, r *http.Request, svc *scheduler.TaskService) {
	name := r.FormValue("name")
	if name == "" {
		log.GetLogger().Error("Missing 'name' parameter in POST /tasks")
		http.Error(w, "Missing 'name' parameter", http.StatusBadRequest)
		return
	}
	scriptID, err := strconv.ParseInt(r.FormValue("script_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid 'script_id' parameter", http.StatusBadRequest)
		return
	}
	task := models.Task{
		Name:       name,
		ScriptID:   scriptID,
		TaskType:   models.TaskType(r.FormValue("task_type")),
		TargetType: models.TargetType(r.FormValue("target_type")),
		CronExpr:   r.FormValue("cron_expr"),
	}
	if v := r.FormValue("target_group_id"); v != "" {
		groupID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid 'target_group_id' parameter", http.StatusBadRequest)
			return
		}
		task.TargetGroupID = &groupID
	}
	if devices, ok := r.Form["target_device"]; ok {
		task.TargetDevices = devices
	}
	if v := r.FormValue("scheduled_time"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid 'scheduled_time' parameter, want RFC3339", http.StatusBadRequest)
			return
		}
		task.ScheduledTime = &at
	}
	if v := r.FormValue("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid 'priority' parameter", http.StatusBadRequest)
			return
		}
		task.Priority = p
	}

	id, err := svc.CreateTask(task)
	if err != nil {
		log.GetLogger().Errorf("Failed to create task: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create task: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Created task '%s' with ID %d\n", name, id)
}

func listTasksHTTP(w http.ResponseWriter, svc *scheduler.TaskService) {
	tasks, err := svc.ListTasks()
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
		return
	}
	if len(tasks) == 0 {
		fmt.Fprintf(w, "No tasks found.\n")
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "- ID: %d, Name: %s, Status: %s, Progress: %.2f%%, Devices: %d/%d ok, %d failed, Created: %s\n",
			t.ID, t.Name, t.Status, t.Progress(), t.SuccessCount, t.TotalDevices, t.FailedCount,
			t.CreateTime.Format(time.RFC3339))
	}
}

func CancelHandler(svc *scheduler.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid 'id' parameter", http.StatusBadRequest)
			return
		}
		if err := svc.CancelTask(r.Context(), id); err != nil {
			log.GetLogger().Errorf("Failed to cancel task %d: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to cancel task: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Cancelled task %d\n", id)
	}
}

// ResultsHandler accepts inbound device results from the transport layer
// and hands them to the execution tracker.
func ResultsHandler(tracker *scheduler.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res := delivery.Result{
			InstructionID: r.FormValue("instruction_id"),
			DeviceID:      r.FormValue("device_id"),
			Outcome:       delivery.Outcome(r.FormValue("outcome")),
			ErrorMessage:  r.FormValue("error_message"),
			ReportedAt:    time.Now(),
		}
		if res.InstructionID == "" {
			http.Error(w, "Missing 'instruction_id' parameter", http.StatusBadRequest)
			return
		}
		if err := tracker.HandleResult(r.Context(), res); err != nil {
			log.GetLogger().Errorf("Failed to process result for %s: %v", res.InstructionID, err)
			http.Error(w, fmt.Sprintf("Failed to process result: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "OK\n")
	}
}
