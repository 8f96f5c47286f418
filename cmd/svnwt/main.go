package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaoqiangz/svn-commit-wt/client"
	"github.com/gaoqiangz/svn-commit-wt/internal/config"
	"github.com/gaoqiangz/svn-commit-wt/internal/journal"
	"github.com/gaoqiangz/svn-commit-wt/internal/logging"
	"github.com/gaoqiangz/svn-commit-wt/internal/service"
	"github.com/gaoqiangz/svn-commit-wt/internal/spool"
	"github.com/gaoqiangz/svn-commit-wt/internal/storage"
	"github.com/gaoqiangz/svn-commit-wt/internal/validation"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "svnwt",
	Short: "svnwt forwards Subversion commits to the Worktile SCM integration",
	Long: `svnwt reads committed revisions with svnlook and files them as commits,
users, repositories and branches in a Worktile SCM product. Install
"svnwt commit" as the repository's post-commit hook and keep the service
running next to the repositories.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	var commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Notify the local service of a new revision (post-commit hook)",
		Long: `Posts the revision to the running service, which extracts it before
replying. If the service cannot be reached the notification is spooled and
delivered when the service starts again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := commitRequestFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}
			baseURL, err := client.LocalURL(cfg.HTTP.Listen)
			if err != nil {
				return err
			}

			resp, err := client.New(baseURL).NotifyCommit(cmd.Context(), req)
			switch {
			case err == nil:
				fmt.Println("accepted", resp.Sha)
				return nil
			case stderrors.Is(err, client.ErrUnavailable):
				sp, serr := spool.New(cfg.Spool.Dir, nil)
				if serr != nil {
					return fmt.Errorf("%v; spooling failed: %w", err, serr)
				}
				path, serr := sp.Write(req)
				if serr != nil {
					return fmt.Errorf("%v; spooling failed: %w", err, serr)
				}
				color.New(color.FgYellow).Fprintf(os.Stderr, "%v; notification spooled to %s\n", err, path)
				return nil
			default:
				return err
			}
		},
	}
	addRevisionFlags(commitCmd)

	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Synchronize one revision directly, without the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := commitRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			pipeline, logger, err := openPipeline()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer pipeline.Close()

			target, err := pipeline.Syncer.Sync(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s on %s (%s)\n", color.GreenString("delivered"), target.ID(), target.Branch, target.Meta.ContentID)
			return nil
		},
	}
	addRevisionFlags(syncCmd)

	var journalCmd = &cobra.Command{
		Use:   "journal",
		Short: "Inspect and replay recorded synchronizations",
	}

	var listJournalCmd = &cobra.Command{
		Use:   "list",
		Short: "List journal entries",
		Long:  `Lists journal entries, oldest first. The service must be stopped: the journal database is single-process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			status, err := journal.ParseStatus(statusFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}
			db, err := storage.Open(cfg.Journal.Path, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			j, err := journal.New(db, journal.Options{CacheSize: cfg.Journal.CacheSize})
			if err != nil {
				return err
			}
			entries, err := j.List(status)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No journal entries")
				return nil
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
	listJournalCmd.Flags().StringP("status", "s", "", "only entries with this status (pending, delivered, failed)")

	var replayJournalCmd = &cobra.Command{
		Use:   "replay",
		Short: "Redeliver journal entries to the tracker",
		Long: `Redelivers entries (failed ones by default) with the content id they
were first given, so the tracker sees the same commit again rather than a
new one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			status, err := journal.ParseStatus(statusFlag)
			if err != nil {
				return err
			}

			pipeline, logger, err := openPipeline()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer pipeline.Close()

			entries, err := pipeline.Journal.List(status)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Nothing to replay")
				return nil
			}
			fmt.Printf("Replaying %d entries\n", len(entries))
			if err := pipeline.Syncer.Replay(cmd.Context(), entries, concurrency); err != nil {
				return err
			}
			fmt.Println(color.GreenString("All entries delivered"))
			return nil
		},
	}
	replayJournalCmd.Flags().StringP("status", "s", string(journal.StatusFailed), "replay entries with this status")
	replayJournalCmd.Flags().IntP("concurrency", "j", 4, "deliveries in flight")

	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(journalCmd)

	journalCmd.AddCommand(listJournalCmd)
	journalCmd.AddCommand(replayJournalCmd)
}

func addRevisionFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("repo_path", "p", "", "repository location")
	cmd.Flags().StringP("repo_name", "n", "", "repository name")
	cmd.Flags().StringP("revision", "r", "", "revision number")
	cmd.MarkFlagRequired("repo_path")
	cmd.MarkFlagRequired("repo_name")
	cmd.MarkFlagRequired("revision")
}

func commitRequestFromFlags(cmd *cobra.Command) (*shared.CommitRequest, error) {
	repoPath, _ := cmd.Flags().GetString("repo_path")
	repoName, _ := cmd.Flags().GetString("repo_name")
	rev, _ := cmd.Flags().GetString("revision")

	req := &shared.CommitRequest{RepoPath: repoPath, RepoName: repoName, Rev: rev}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	return req, nil
}

func openPipeline() (*service.Pipeline, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	pipeline, err := service.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, logger, nil
}

func printEntry(e *journal.Entry) {
	var status string
	switch e.Status {
	case journal.StatusDelivered:
		status = color.GreenString("%-9s", e.Status)
	case journal.StatusFailed:
		status = color.RedString("%-9s", e.Status)
	default:
		status = color.YellowString("%-9s", e.Status)
	}

	fmt.Printf("%s %-24s %-16s %s  attempts=%d  %s\n",
		status,
		e.ID,
		e.Branch,
		e.Meta.ContentID,
		e.Attempts,
		e.UpdatedAt.Format("2006-01-02 15:04:05"),
	)
	if e.LastError != "" {
		fmt.Printf("          %s\n", color.RedString(e.LastError))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
