package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/internal/expressions"
	"github.com/rendis/labflow/internal/streaming"
	"github.com/rendis/labflow/internal/validation"
	"github.com/rendis/labflow/pkg/schema"
)

const defaultTaskType = "sdl_workflow"

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	taskID := fs.String("task-id", "", "task id (default: random)")
	taskType := fs.String("task-type", defaultTaskType, "task type recorded as the provenance function name")
	userID := fs.String("user-id", "", "user id recorded on the provenance run")
	query := fs.String("query", "", "jq expression applied to the task result before printing")
	noDB := fs.Bool("no-db", false, "do not record provenance")
	quiet := fs.Bool("quiet", false, "do not print progress")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: labflow run [flags] <workflow.json|workflow.yaml|->")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	doc, err := readDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	task := taskFromDocument(doc)
	task.TaskType = *taskType
	task.TaskID = *taskID
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if *userID != "" {
		task.Parameters["user_id"] = *userID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	a, err := newApp(ctx, cfg, appOptions{noDB: *noDB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	stopProgress := func() {}
	if !*quiet {
		stopProgress, err = printProgress(ctx, a.hub, engine.WorkflowID(task.TaskID), os.Stderr)
		if err != nil {
			a.logger.Warn("progress output disabled", "error", err)
			stopProgress = func() {}
		}
	}

	res := a.exec.ExecuteTask(ctx, task)
	stopProgress()

	var out any = res
	if *query != "" {
		out, err = expressions.NewGoJQEngine().Query(ctx, *query, res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := writeJSON(os.Stdout, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if res.Status != schema.TaskStatusSuccess {
		return 1
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: labflow validate <workflow.json|workflow.yaml|->")
	}
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	doc, err := readDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	validator, err := newValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	raw := taskFromDocument(doc).Parameters["workflow_config"]
	result := validator.Check(raw)
	for _, issue := range result.Issues() {
		fmt.Println(issue)
	}
	if !result.Valid() {
		return 1
	}
	fmt.Println("ok")
	return 0
}

// readDocument loads a JSON or YAML document from path, or stdin for "-".
func readDocument(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// taskFromDocument accepts either a bare workflow config (with "nodes") or
// a task parameter object (with "workflow_config").
func taskFromDocument(doc map[string]any) schema.TaskConfig {
	params := map[string]any{}
	if _, ok := doc["workflow_config"]; ok {
		for k, v := range doc {
			params[k] = v
		}
	} else if len(doc) > 0 {
		params["workflow_config"] = doc
	}
	return schema.TaskConfig{TaskType: defaultTaskType, Parameters: params}
}

// printProgress writes one line per progress update of workflowID to w.
// The returned stop func flushes buffered updates and ends the output.
func printProgress(ctx context.Context, hub streaming.EventHub, workflowID string, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{
		WorkflowID: workflowID,
		EventTypes: []string{schema.EventWorkflowProgress, schema.EventPrimitiveSkipped},
	})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func formatEvent(ev streaming.StreamEvent) string {
	switch p := ev.Payload.(type) {
	case schema.ProgressUpdate:
		line := fmt.Sprintf("[%5.1f%%] %s", p.Progress, p.Status)
		if p.CurrentStep != "" && p.Status == schema.WorkflowStatusRunning {
			line += ": " + p.CurrentStep
		}
		if p.Error != "" {
			line += ": " + p.Error
		}
		return line
	case map[string]any:
		return fmt.Sprintf("         skipped %v (%v)", p["operation"], p["condition"])
	default:
		return ev.EventType
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidator() (*validation.Validator, error) {
	return validation.New(expressions.NewExprEngine())
}
