package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"prospector/internal/backup"
	"prospector/internal/types"
)

var (
	backupsListFailed bool
	backupsRetryAll   bool
	backupsOlderDays  int
)

// backupsCmd manages the local-first backup tree
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and repair the local backup tree",
	Long: `Every prospect is written to the backup tree before any database
write. These subcommands list what is pending or failed, re-attempt
failed uploads into the database, and archive old uploaded files.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending or failed backups",
	RunE:  listBackups,
}

var backupsRetryCmd = &cobra.Command{
	Use:   "retry [path]",
	Short: "Re-attempt failed uploads into the database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  retryBackups,
}

var backupsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Delete uploaded backups older than the retention window",
	RunE:  archiveBackups,
}

func init() {
	backupsListCmd.Flags().BoolVar(&backupsListFailed, "failed", false, "List failed uploads instead of pending backups")
	backupsRetryCmd.Flags().BoolVar(&backupsRetryAll, "all", false, "Retry every failed upload")
	backupsArchiveCmd.Flags().IntVar(&backupsOlderDays, "older-than-days", 0, "Retention window in days (default from config)")

	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRetryCmd)
	backupsCmd.AddCommand(backupsArchiveCmd)
}

func listBackups(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := backup.New(cfg.BackupRoot())
	if err != nil {
		return err
	}

	pending, uploaded, failed, err := store.Counts()
	if err != nil {
		return err
	}
	fmt.Printf("pending=%d uploaded=%d failed=%d\n", pending, uploaded, failed)

	print := func(e backup.Entry) error {
		company := ""
		if e.Data != nil {
			company = e.Data.CompanyName
		}
		line := fmt.Sprintf("%s  %s  saved %s", e.Path, company, e.SavedAt.Format("2006-01-02 15:04:05"))
		if e.UploadError != "" {
			line += "  error: " + e.UploadError
		}
		fmt.Println(line)
		return nil
	}
	if backupsListFailed {
		return store.ListFailed(print)
	}
	return store.ListPending(print)
}

func retryBackups(cmd *cobra.Command, args []string) error {
	if backupsRetryAll == (len(args) == 1) {
		return fmt.Errorf("specify either a backup path or --all")
	}

	cfg, repo, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := backup.New(cfg.BackupRoot())
	if err != nil {
		return err
	}

	upload := func(p *types.Prospect) (string, error) {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := repo.InsertProspect(p); err != nil {
			return "", err
		}
		return p.ID, nil
	}

	if !backupsRetryAll {
		if err := store.RetryFailed(args[0], upload); err != nil {
			return err
		}
		fmt.Printf("uploaded %s\n", args[0])
		return nil
	}

	var paths []string
	if err := store.ListFailed(func(e backup.Entry) error {
		paths = append(paths, e.Path)
		return nil
	}); err != nil {
		return err
	}

	var retried, stillFailed int
	for _, path := range paths {
		if err := store.RetryFailed(path, upload); err != nil {
			stillFailed++
			fmt.Printf("failed %s: %v\n", path, err)
			continue
		}
		retried++
	}
	fmt.Printf("uploaded=%d failed=%d\n", retried, stillFailed)
	return nil
}

func archiveBackups(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	days := backupsOlderDays
	if days <= 0 {
		days = cfg.Backup.RetentionDays
	}

	store, err := backup.New(cfg.BackupRoot())
	if err != nil {
		return err
	}
	removed, err := store.Archive(days)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d uploaded backups older than %d days\n", removed, days)
	return nil
}
