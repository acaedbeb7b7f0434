package main

// ---------------------------------------------------------------------------
// cmd_status.go — fetch status from a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"time"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *jsonOut {
		*format = "json"
	}
	outFmt := parseFormat(*format)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	base := apiBase(*configPath, envHost(*host), envPort(*port))
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)
	body, err := apiGet(base+"/api/v1/status", apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if outFmt == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var status map[string]interface{}
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}

	fields := []string{"version", "status", "connection", "query_service", "query_breaker",
		"timeline_backend", "bus_connected", "alerts_total", "unread", "unresolved",
		"countdowns", "last_poll_at", "last_poll_error"}

	if outFmt == FormatCSV {
		rows := make([][]string, 0, len(fields))
		for _, f := range fields {
			rows = append(rows, []string{f, str(status[f])})
		}
		writeCSV(w, []string{"field", "value"}, rows)
		return
	}

	conn := str(status["connection"])
	switch conn {
	case "connected":
		conn = green(conn)
	case "connecting":
		conn = yellow(conn)
	default:
		conn = dim(conn)
	}

	fmt.Fprintf(w, "%s apdwatch status\n\n", bold("●"))
	fmt.Fprintf(w, "  %-18s %s\n", "Version:", green(str(status["version"])))
	fmt.Fprintf(w, "  %-18s %s\n", "Live feed:", conn)
	fmt.Fprintf(w, "  %-18s %s %s\n", "Query service:", str(status["query_service"]), dim("breaker "+str(status["query_breaker"])))
	fmt.Fprintf(w, "  %-18s %s\n", "Timeline:", str(status["timeline_backend"]))
	fmt.Fprintf(w, "  %-18s %v\n", "Bus connected:", status["bus_connected"])
	fmt.Fprintf(w, "  %-18s %v (%v unread, %v unresolved)\n", "Alerts:",
		status["alerts_total"], status["unread"], status["unresolved"])
	fmt.Fprintf(w, "  %-18s %v\n", "Countdowns:", status["countdowns"])
	fmt.Fprintf(w, "  %-18s %v\n", "Last poll:", status["last_poll_at"])
	if e := str(status["last_poll_error"]); e != "" {
		fmt.Fprintf(w, "  %-18s %s\n", "Poll error:", red(e))
	}
	if stats, ok := status["stats"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "  %-18s %v detections, %v violations, %v%% compliant\n", "Today:",
			stats["totalDetections"], stats["violations"], stats["complianceRate"])
	}
	fmt.Fprintln(w)
}

func cmdRefresh(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	timeoutStr := fs.String("timeout", "15s", "Request timeout")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	base := apiBase(*configPath, envHost(*host), envPort(*port))
	body, err := apiPost(base+"/api/v1/refresh", nil, resolveAPIKey(*apiKeyFlag, *configPath), timeout)
	if err != nil {
		errorf("%v", err)
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(body, &resp)
	fmt.Printf("%s Refreshed, %v alerts in view\n", green("✓"), resp["alerts_total"])
}
