package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the apdwatch CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and usage.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/joho/godotenv"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	// A .env next to the binary supplies APDWATCH_* variables in development.
	_ = godotenv.Load()

	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			if len(os.Args) >= 3 {
				cmdHelp(os.Args[2])
			} else {
				printUsage(os.Stdout)
			}
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cmdHelp(subcmd)
			os.Exit(0)
		}
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "status":
		cmdStatus(args)
	case "alerts":
		cmdAlerts(args)
	case "timeline":
		cmdAlertsTimeline(args)
	case "resolve":
		cmdAlertsAction(args, core.ActionResolve)
	case "escalate":
		cmdAlertsAction(args, core.ActionEscalate)
	case "refresh":
		cmdRefresh(args)
	case "report":
		cmdReport(args)
	case "config":
		cmdConfig(args)
	case "init":
		cmdInit(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
