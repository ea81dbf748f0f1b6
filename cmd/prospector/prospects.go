package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"prospector/internal/types"
)

var (
	listStatus    string
	listCity      string
	listIndustry  string
	listProject   string
	listRun       string
	listMinRating float64
	listReviewed  int
	listLimit     int
	listOffset    int
)

// prospectsCmd queries stored prospects
var prospectsCmd = &cobra.Command{
	Use:   "prospects",
	Short: "Query stored prospects",
}

var prospectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prospects matching filters",
	RunE:  listProspects,
}

var prospectsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate prospect statistics",
	RunE:  prospectStats,
}

func init() {
	prospectsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by website status")
	prospectsListCmd.Flags().StringVar(&listCity, "city", "", "Filter by city")
	prospectsListCmd.Flags().StringVar(&listIndustry, "industry", "", "Filter by industry")
	prospectsListCmd.Flags().StringVar(&listProject, "project", "", "Filter by linked project ID")
	prospectsListCmd.Flags().StringVar(&listRun, "run", "", "Filter by originating run ID")
	prospectsListCmd.Flags().Float64Var(&listMinRating, "min-rating", 0, "Minimum Maps rating")
	prospectsListCmd.Flags().IntVar(&listReviewed, "reviewed-within-months", 0, "Only prospects reviewed within N months")
	prospectsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Page size")
	prospectsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Page offset")

	prospectsCmd.AddCommand(prospectsListCmd)
	prospectsCmd.AddCommand(prospectsStatsCmd)
}

func listProspects(cmd *cobra.Command, args []string) error {
	_, repo, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	filters := types.ProspectFilters{
		Status:                       listStatus,
		City:                         listCity,
		Industry:                     listIndustry,
		MinRating:                    listMinRating,
		ProjectID:                    listProject,
		RunID:                        listRun,
		RecentlyReviewedWithinMonths: listReviewed,
		Limit:                        listLimit,
		Offset:                       listOffset,
	}
	prospects, total, err := repo.ListProspects(filters)
	if err != nil {
		return err
	}

	for _, p := range prospects {
		line := fmt.Sprintf("%s  %s", p.ID, p.CompanyName)
		if p.City != "" {
			line += "  " + p.City
		}
		if p.Website != "" {
			line += "  " + p.Website
		}
		if p.ScoreBreakdown != nil {
			line += fmt.Sprintf("  score=%d", p.ICPMatchScore)
		}
		fmt.Println(line)
	}
	fmt.Printf("%d of %d (offset %d)\n", len(prospects), total, listOffset)
	return nil
}

func prospectStats(cmd *cobra.Command, args []string) error {
	_, repo, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	stats, err := repo.Stats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
