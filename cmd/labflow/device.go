package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/pkg/schema"
)

func runDevice(args []string) int {
	if len(args) == 0 {
		deviceUsage()
		return 2
	}
	switch args[0] {
	case "status":
		return runDeviceStatus(args[1:])
	case "exec":
		return runDeviceExec(args[1:])
	default:
		deviceUsage()
		return 2
	}
}

func deviceUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  labflow device status [--connect]
  labflow device exec [--params JSON] [--trace-id ID] <family> <operation>`)
}

func runDeviceStatus(args []string) int {
	fs := flag.NewFlagSet("device status", flag.ExitOnError)
	connect := fs.Bool("connect", false, "connect every configured family before reporting")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loadConfig(), appOptions{noDB: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())

	if *connect {
		for _, f := range a.hw.Configured() {
			if err := a.hw.Connect(ctx, f); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", f, err)
			}
		}
	}

	if err := writeJSON(os.Stdout, a.hw.HardwareStatus()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runDeviceExec(args []string) int {
	fs := flag.NewFlagSet("device exec", flag.ExitOnError)
	paramsJSON := fs.String("params", "{}", "operation parameters as a JSON object")
	traceID := fs.String("trace-id", "", "trace id attached to logs and the result")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 = no limit)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		deviceUsage()
		return 2
	}

	family, err := schema.ParseFamily(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "Error: --params: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if *traceID != "" {
		ctx = logging.WithTraceID(ctx, *traceID)
	}

	a, err := newApp(ctx, loadConfig(), appOptions{noDB: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	res := a.hw.ExecuteOperation(ctx, family, fs.Arg(1), params)
	if err := writeJSON(os.Stdout, res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}
