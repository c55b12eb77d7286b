package main

import (
	"fmt"
	"os"
)

const usage = `labflow - lab workflow engine

Usage:
  labflow <command> [flags]

Commands:
  run       execute a workflow file and print the task result
  validate  check a workflow file without running it
  device    inspect or drive configured hardware
  runs      list recorded provenance runs
  serve     run the scheduler and hardware monitor with a metrics endpoint
  init      write ~/.labflow/settings.json
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	var code int
	switch os.Args[1] {
	case "run":
		code = runRun(args)
	case "validate":
		code = runValidate(args)
	case "device":
		code = runDevice(args)
	case "runs":
		code = runRuns(args)
	case "serve":
		code = runServe(args)
	case "init":
		code = runInit(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}
