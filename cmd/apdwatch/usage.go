package main

// ---------------------------------------------------------------------------
// usage.go — version, usage and per-command help
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "apdwatch v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", bold("apdwatch"), dim("v"+version))
	fmt.Fprintf(w, "PPE violation alerts with automatic escalation\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  apdwatch <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("up"), "Start the alert engine and API server")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show status of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("alerts"), "List, inspect, resolve or escalate alerts")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("timeline"), "Shortcut for alerts timeline <id>")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("resolve"), "Shortcut for alerts resolve <id>")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("escalate"), "Shortcut for alerts escalate <id>")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("refresh"), "Poll the Query Service now")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("report"), "Download a PDF or XLSX report")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("config"), "Show or validate configuration")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("init"), "Write a starter configuration file")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_HOST / _PORT", "API address of a running instance")
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_QUERY_URL", "Query Service root URL")
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_LIVE_URL", "Live feed WebSocket URL")
	fmt.Fprintf(w, "  %-26s  %s\n", "APDWATCH_TIMELINE_BACKEND", "memory, remote, redis or postgres")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with a Redis-backed action timeline"))
	fmt.Fprintf(w, "  APDWATCH_TIMELINE_BACKEND=redis apdwatch up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Unresolved high severity alerts"))
	fmt.Fprintf(w, "  apdwatch alerts --severity high --status unresolved\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Resolve an alert"))
	fmt.Fprintf(w, "  apdwatch alerts resolve history-12 --actor Rina --notes \"helmet issued\"\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Weekly report"))
	fmt.Fprintf(w, "  apdwatch report --format xlsx --output week.xlsx\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("apdwatch help <command>"))
}

var commandHelp = map[string]string{
	"up": `apdwatch up [--config path] [--log-level level] [--dry-run] [--quiet]

Starts the poller, live feed, escalation loop and REST API. The timeline
backend (memory, remote, redis, postgres) comes from timeline.backend.`,
	"status": `apdwatch status [--format table|json|csv] [--host h] [--port p]

Shows connection state, alert counts and the last poll of a running instance.`,
	"alerts": `apdwatch alerts [--severity s] [--status s] [--q text] [--limit n]
apdwatch alerts get <id>
apdwatch alerts timeline <id>
apdwatch alerts resolve <id> [--actor name] [--notes text] [--evidence ref]
apdwatch alerts escalate <id> [--level tier] [--actor name] [--notes text]
apdwatch alerts ack-all`,
	"refresh": `apdwatch refresh

Asks a running instance to poll the Query Service and waits for the result.`,
	"report": `apdwatch report [--format pdf|xlsx] [--site name] [--output file]`,
	"config": `apdwatch config [--validate] [--format yaml|json]`,
	"init":   `apdwatch init [--output path] [--force]`,
}

func cmdHelp(cmd string) {
	switch cmd {
	case "timeline", "resolve", "escalate":
		cmd = "alerts"
	}
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, text)
}
