package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Datakiln Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "ok  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "warn"
		case "SKIP":
			icon = "skip"
		}
		fmt.Printf("[%s] %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	fmt.Println("---")
	if failCount > 0 {
		fmt.Printf("%d check(s) failed\n", failCount)
		return 1
	}
	fmt.Println("All checks passed")
	return 0
}
