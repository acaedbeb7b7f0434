package main

// ---------------------------------------------------------------------------
// cmd_config.go — show, validate or initialize configuration
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apdwatch/apdwatch/internal/core"
	"gopkg.in/yaml.v3"
)

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	if *validate {
		warnings, verr := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		if verr != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), verr)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid (%s). Timeline backend %s, live feed %v.\n",
			green("✓"), *configPath, cfg.Timeline.Backend, cfg.LiveFeed.Enabled)
		return
	}

	// Secrets stay out of printed config.
	cfg.Server.APIKeys = nil
	cfg.Query.APIKey = ""
	cfg.Timeline.RedisPassword = ""
	cfg.Timeline.PostgresDSN = ""

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if parseFormat(*format) == FormatJSON {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			errorf("marshaling config: %v", err)
		}
		fmt.Fprintln(w, string(data))
		return
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	fmt.Fprint(w, string(data))
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "Where to write the config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists, pass --force to overwrite", *output)
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			errorf("creating %s: %v", dir, err)
		}
	}
	if err := core.SaveConfig(core.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Printf("%s Wrote %s\n", green("✓"), *output)
}
