package main

// ---------------------------------------------------------------------------
// cmd_report.go — download a PDF or XLSX report from a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

func cmdReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	api := addAPIFlags(fs)
	format := fs.String("format", "pdf", "Report format: pdf, xlsx")
	site := fs.String("site", "", "Site name printed in the report title")
	output := fs.String("output", "", "Output file (default apd-report-<date>.<format>)")
	fs.Parse(args)

	ext := strings.ToLower(*format)
	if ext != "pdf" && ext != "xlsx" {
		errorf("unsupported report format %q, use pdf or xlsx", *format)
	}
	base, apiKey, timeout := api.resolve()

	u := base + "/api/v1/report." + ext
	if *site != "" {
		u += "?site=" + url.QueryEscape(*site)
	}
	data, err := apiGet(u, apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	path := *output
	if path == "" {
		path = fmt.Sprintf("apd-report-%s.%s", time.Now().Format("20060102"), ext)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		errorf("writing %s: %v", path, err)
	}
	fmt.Printf("%s Wrote %s (%d bytes)\n", green("✓"), path, len(data))
}
