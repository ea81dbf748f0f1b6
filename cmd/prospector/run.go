package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"prospector/internal/pipeline"
	"prospector/internal/types"
)

var (
	runIndustry  string
	runTarget    string
	runLocation  string
	runCity      string
	runState     string
	runCountry   string
	runZip       string
	runRadius    int
	runMinRating float64
	runCount     int
	runExclude   []string
	runProject   string

	runNoWebsites  bool
	runNoSocial    bool
	runNoRelevance bool
	runNoVision    bool
	runFilter      bool
	runJSON        bool
)

// runCmd executes one prospecting batch from the terminal
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one prospecting batch",
	Long: `Executes a single discovery-and-enrichment run and streams progress
to stdout. The terminal summary is printed as JSON when the run ends.

Example:
  prospector run --industry plumbing --city Austin --state TX --count 10`,
	RunE: runBatch,
}

func init() {
	runCmd.Flags().StringVar(&runIndustry, "industry", "", "Industry to prospect (required unless --target is set)")
	runCmd.Flags().StringVar(&runTarget, "target", "", "Free-form target description")
	runCmd.Flags().StringVar(&runLocation, "location", "", "Free-form location (overrides city/state/country/zip)")
	runCmd.Flags().StringVar(&runCity, "city", "", "City")
	runCmd.Flags().StringVar(&runState, "state", "", "State or region")
	runCmd.Flags().StringVar(&runCountry, "country", "", "Country")
	runCmd.Flags().StringVar(&runZip, "zip", "", "Postal code")
	runCmd.Flags().IntVar(&runRadius, "radius", 0, "Search radius in meters (0 = default)")
	runCmd.Flags().Float64Var(&runMinRating, "min-rating", 0, "Minimum Maps rating")
	runCmd.Flags().IntVar(&runCount, "count", 10, "Number of prospects to deliver")
	runCmd.Flags().StringSliceVar(&runExclude, "exclude", nil, "Company-name terms to exclude")
	runCmd.Flags().StringVar(&runProject, "project", "", "Project ID for dedup scoping and config locking")
	runCmd.Flags().BoolVar(&runNoWebsites, "no-websites", false, "Skip website scraping")
	runCmd.Flags().BoolVar(&runNoSocial, "no-social", false, "Skip social discovery and scraping")
	runCmd.Flags().BoolVar(&runNoRelevance, "no-relevance", false, "Skip LLM relevance scoring")
	runCmd.Flags().BoolVar(&runNoVision, "no-vision", false, "Skip the vision extraction fallback")
	runCmd.Flags().BoolVar(&runFilter, "filter-irrelevant", false, "Drop prospects scoring below the relevance threshold")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Emit raw event frames as JSON lines")
}

func runBatch(cmd *cobra.Command, args []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := &types.RunRequest{
		Brief: types.Brief{
			Industry:   runIndustry,
			Target:     runTarget,
			Location:   runLocation,
			City:       runCity,
			State:      runState,
			Country:    runCountry,
			Zip:        runZip,
			RadiusM:    runRadius,
			MinRating:  runMinRating,
			Count:      runCount,
			Exclusions: runExclude,
		},
		Options: types.RunOptions{
			FilterIrrelevant: runFilter,
			ProjectID:        runProject,
		},
	}
	off := false
	if runNoWebsites {
		req.Options.ScrapeWebsites = &off
	}
	if runNoSocial {
		req.Options.ScrapeSocial = &off
	}
	if runNoRelevance {
		req.Options.CheckRelevance = &off
	}
	if runNoVision {
		req.Options.UseVisionFallback = &off
	}

	run, err := e.orch.StartRun(ctx, req)
	if err != nil {
		return err
	}

	var failed bool
	for ev := range run.Events() {
		if ev.Type == pipeline.EventError {
			failed = true
		}
		printEvent(ev)
	}

	summary := run.Summary()
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if failed {
		return fmt.Errorf("run %s aborted", run.ID())
	}
	return nil
}

// printEvent renders one frame as a progress line, or as a raw JSON
// line under --json.
func printEvent(ev pipeline.Event) {
	if runJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	switch p := ev.Payload.(type) {
	case pipeline.StartedPayload:
		fmt.Printf("run started: %s (count=%d)\n", ev.RunID, p.Brief.Count)
	case pipeline.ProgressPayload:
		prefix := ""
		if p.Level == "warning" {
			prefix = "warning: "
		}
		if p.Company != "" {
			fmt.Printf("  [%d/%d] %s: %s%s\n", p.CurrentStep, p.TotalSteps, p.Company, prefix, p.Message)
		} else {
			fmt.Printf("  [%d/%d] %s%s\n", p.CurrentStep, p.TotalSteps, prefix, p.Message)
		}
	case pipeline.CompanyPayload:
		switch ev.Type {
		case pipeline.EventCompanyComplete:
			fmt.Printf("done: %s\n", p.Company)
		case pipeline.EventSkipped:
			fmt.Printf("skipped: %s (%s)\n", p.Company, p.Reason)
		case pipeline.EventReused:
			fmt.Printf("reused: %s (%s)\n", p.Company, p.Reason)
		case pipeline.EventLinked:
			fmt.Printf("linked: %s\n", p.Company)
		}
	case pipeline.ErrorPayload:
		fmt.Fprintf(os.Stderr, "run failed: %s\n", p.Message)
	case pipeline.Summary:
		// Printed in full after the stream closes.
	}
}
