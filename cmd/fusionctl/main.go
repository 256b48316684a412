// Command fusionctl is a read-only inspector over the fusion engine's
// incident and device-risk store, for operators and runbooks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/infraspectre/amoskys/internal/config"
	"github.com/infraspectre/amoskys/internal/fusion"
	"github.com/infraspectre/amoskys/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("fusionctl", flag.ContinueOnError)
	listIncidents := fs.Bool("list-incidents", false, "list recent incidents")
	limit := fs.Int("limit", 0, "limit the number of incidents listed (0 = no limit)")
	risk := fs.String("risk", "", "print the current risk score for a device_id")
	storePath := fs.String("store", "", "path to the fusion incident store (defaults to the configured path)")
	showVersion := fs.Bool("version", false, "print the fusionctl build version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fusionctl: load config:", err)
		return 1
	}

	path := *storePath
	if path == "" {
		path = cfg.Fusion.IncidentStorePath
	}
	halfLife := time.Duration(cfg.Fusion.RiskHalfLifeSecs) * time.Second

	store, err := fusion.OpenStore(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fusionctl: open store:", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()

	switch {
	case *listIncidents:
		incidents, err := store.ListIncidents(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fusionctl: list incidents:", err)
			return 1
		}
		if err := json.NewEncoder(os.Stdout).Encode(incidents); err != nil {
			fmt.Fprintln(os.Stderr, "fusionctl: encode incidents:", err)
			return 1
		}
		return 0

	case *risk != "":
		score, updatedNs, ok, err := store.DeviceRisk(ctx, *risk)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fusionctl: device risk:", err)
			return 1
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "fusionctl: no risk recorded for device %q\n", *risk)
			return 1
		}
		score = fusion.Decay(score, updatedNs, time.Now().UnixNano(), halfLife)
		return encodeOrFail(struct {
			DeviceID  string  `json:"device_id"`
			Score     float64 `json:"score"`
			UpdatedNs int64   `json:"updated_ns"`
		}{*risk, score, updatedNs})

	default:
		fs.Usage()
		return 2
	}
}

func encodeOrFail(v interface{}) int {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "fusionctl: encode output:", err)
		return 1
	}
	return 0
}
