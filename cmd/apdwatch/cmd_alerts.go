package main

// ---------------------------------------------------------------------------
// cmd_alerts.go — list, inspect and act on alerts of a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
)

// apiFlags are the connection flags shared by every client command.
type apiFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	timeout    *string
}

func addAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key for authentication"),
		timeout:    fs.String("timeout", "10s", "Request timeout"),
	}
}

// resolve returns the API root, key and timeout after flags are parsed.
func (f apiFlags) resolve() (string, string, time.Duration) {
	cfgPath := envConfig(*f.configPath)
	timeout, err := time.ParseDuration(*f.timeout)
	if err != nil {
		errorf("invalid timeout %q: %v", *f.timeout, err)
	}
	return apiBase(cfgPath, envHost(*f.host), envPort(*f.port)), resolveAPIKey(*f.apiKey, cfgPath), timeout
}

// splitID takes a leading alert id off args so flags may follow it.
func splitID(args []string, usage string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		errorf("usage: %s", usage)
	}
	return args[0], args[1:]
}

func cmdAlerts(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "get":
			cmdAlertsGet(args[1:])
			return
		case "timeline":
			cmdAlertsTimeline(args[1:])
			return
		case "resolve":
			cmdAlertsAction(args[1:], core.ActionResolve)
			return
		case "escalate":
			cmdAlertsAction(args[1:], core.ActionEscalate)
			return
		case "ack-all":
			cmdAlertsAckAll(args[1:])
			return
		}
	}

	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	api := addAPIFlags(fs)
	severity := fs.String("severity", "", "Filter by severity: high, medium, low")
	status := fs.String("status", "", "Filter by status: resolved, unresolved")
	query := fs.String("q", "", "Search worker, violation and location")
	limit := fs.Int("limit", 50, "Maximum alerts to show")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	base, apiKey, timeout := api.resolve()

	params := url.Values{}
	params.Set("limit", fmt.Sprint(*limit))
	if *severity != "" {
		params.Set("severity", strings.ToLower(*severity))
	}
	if *status != "" {
		params.Set("status", strings.ToLower(*status))
	}
	if *query != "" {
		params.Set("q", *query)
	}

	body, err := apiGet(base+"/api/v1/alerts?"+params.Encode(), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if parseFormat(*format) == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Alerts     []core.Alert `json:"alerts"`
		Unread     int          `json:"unread"`
		Unresolved int          `json:"unresolved"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}

	headers := []string{"id", "time", "worker", "violation", "location", "severity", "status", "seen"}
	rows := make([][]string, 0, len(resp.Alerts))
	for _, a := range resp.Alerts {
		seen := "no"
		if a.Acknowledged {
			seen = "yes"
		}
		rows = append(rows, []string{a.ID, a.OccurredAt, a.Worker, a.Violation, a.Location,
			a.Severity.String(), a.Status.String(), seen})
	}

	if parseFormat(*format) == FormatCSV {
		writeCSV(w, headers, rows)
		return
	}

	if len(rows) == 0 {
		fmt.Fprintf(w, "%s No alerts match.\n", green("✓"))
		return
	}
	t := NewTable(w, headers...)
	for _, r := range rows {
		t.AddRow(r...)
	}
	t.Render()
	fmt.Fprintf(w, "%d shown, %d unread, %d unresolved\n", len(rows), resp.Unread, resp.Unresolved)
}

func cmdAlertsGet(args []string) {
	id, rest := splitID(args, "apdwatch alerts get <id>")
	fs := flag.NewFlagSet("alerts-get", flag.ExitOnError)
	api := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	fs.Parse(rest)
	base, apiKey, timeout := api.resolve()

	body, err := apiGet(base+"/api/v1/alerts/"+url.PathEscape(id), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	if *jsonOut {
		fmt.Println(string(body))
		return
	}

	var resp struct {
		Alert     core.Alert            `json:"alert"`
		Countdown *core.EscalationTimer `json:"countdown"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}
	a := resp.Alert
	fmt.Printf("%s %s\n\n", bold("●"), a.ID)
	fmt.Printf("  %-12s %s\n", "Worker:", a.Worker)
	fmt.Printf("  %-12s %s\n", "Violation:", a.Violation)
	fmt.Printf("  %-12s %s\n", "Location:", a.Location)
	fmt.Printf("  %-12s %s\n", "Time:", a.OccurredAt)
	fmt.Printf("  %-12s %s\n", "Severity:", severityColor(a.Severity.String()))
	fmt.Printf("  %-12s %s\n", "Status:", a.Status)
	fmt.Printf("  %-12s %s\n", "Source:", a.Source)
	if c := resp.Countdown; c != nil {
		if c.Fired {
			fmt.Printf("  %-12s %s\n", "Escalation:", red("escalated automatically"))
		} else {
			fmt.Printf("  %-12s %s\n", "Escalation:", yellow(fmt.Sprintf("in %ds", c.Remaining)))
		}
	}
	fmt.Println()
}

func cmdAlertsTimeline(args []string) {
	id, rest := splitID(args, "apdwatch alerts timeline <id>")
	fs := flag.NewFlagSet("alerts-timeline", flag.ExitOnError)
	api := addAPIFlags(fs)
	format := fs.String("format", "table", "Output format: table, json, csv")
	fs.Parse(rest)
	base, apiKey, timeout := api.resolve()

	body, err := apiGet(base+"/api/v1/alerts/"+url.PathEscape(id)+"/timeline", apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*format) == FormatJSON {
		fmt.Println(string(body))
		return
	}

	var resp struct {
		Actions []core.ActionRecord `json:"actions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}
	headers := []string{"timestamp", "action", "level", "actor", "notes"}
	rows := make([][]string, 0, len(resp.Actions))
	for _, r := range resp.Actions {
		action := string(r.Kind)
		if r.Auto {
			action += " (auto)"
		}
		rows = append(rows, []string{r.CreatedAt.Local().Format("2006-01-02 15:04:05"), action, r.Level, r.Actor, r.Notes})
	}
	if parseFormat(*format) == FormatCSV {
		writeCSV(os.Stdout, headers, rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println(dim("No actions recorded for " + id))
		return
	}
	t := NewTable(os.Stdout, headers...)
	for _, r := range rows {
		t.AddRow(r...)
	}
	t.Render()
}

func cmdAlertsAction(args []string, kind core.ActionKind) {
	usage := fmt.Sprintf("apdwatch alerts %s <id> [--actor name] [--notes text]", kind)
	id, rest := splitID(args, usage)
	fs := flag.NewFlagSet("alerts-"+string(kind), flag.ExitOnError)
	api := addAPIFlags(fs)
	actor := fs.String("actor", "", "Who is acting (default "+core.DefaultActor+")")
	notes := fs.String("notes", "", "Free-text notes")
	evidence := fs.String("evidence", "", "Evidence reference, e.g. a photo URL")
	level := fs.String("level", "", "Escalation tier (escalate only; default by severity)")
	fs.Parse(rest)
	base, apiKey, timeout := api.resolve()

	req := core.ActionRequest{Actor: *actor, Notes: *notes, Evidence: *evidence}
	if kind == core.ActionEscalate {
		req.Level = *level
	}
	payload, _ := json.Marshal(req)

	body, err := apiPost(base+"/api/v1/alerts/"+url.PathEscape(id)+"/"+string(kind), payload, apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	var rec core.ActionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		errorf("parsing response: %v", err)
	}
	if kind == core.ActionResolve {
		fmt.Printf("%s %s resolved by %s\n", green("✓"), id, rec.Actor)
	} else {
		fmt.Printf("%s %s escalated to %s by %s\n", green("✓"), id, bold(rec.Level), rec.Actor)
	}
}

func cmdAlertsAckAll(args []string) {
	fs := flag.NewFlagSet("alerts-ack-all", flag.ExitOnError)
	api := addAPIFlags(fs)
	fs.Parse(args)
	base, apiKey, timeout := api.resolve()

	body, err := apiPost(base+"/api/v1/alerts/ack-all", nil, apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	var resp struct {
		Acknowledged int `json:"acknowledged"`
	}
	_ = json.Unmarshal(body, &resp)
	fmt.Printf("%s %d alerts marked as seen\n", green("✓"), resp.Acknowledged)
}
