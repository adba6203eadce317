package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/fenwick-labs/warden/internal/config"
	"github.com/fenwick-labs/warden/internal/doctor"
)

// runDoctorCommand loads config without opening the store; the database
// check opens its own connection so a broken DB still produces a report.
func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	fs.Parse(args)

	if opts.home != "" {
		os.Setenv(config.EnvHome, opts.home)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if opts.db != "" {
		cfg.DBPath = opts.db
	}
	if opts.sandbox != "" {
		cfg.SandboxRoot = opts.sandbox
	}

	d := doctor.Run(ctx, cfg, Version)

	if *asJSON {
		out, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("warden %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		rows := make([][]string, 0, len(d.Results))
		for _, r := range d.Results {
			detail := r.Message
			if r.Detail != "" {
				detail += " (" + r.Detail + ")"
			}
			rows = append(rows, []string{r.Status, r.Name, detail})
		}
		renderTable([]string{"STATUS", "CHECK", "DETAIL"}, rows)
	}

	if d.Failed() {
		return 1
	}
	return 0
}
