package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"empathy-ledger/backend/internal/config"
	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/internal/services"
	"empathy-ledger/backend/pkg/models"
)

const seedActor = "seed-script"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newSeedCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSeedCommand() *cobra.Command {
	var configPath, fixturePath string

	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Bootstrap the schema and load campaigns and invitations from a YAML fixture",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

			fixture, err := LoadFixture(fixturePath)
			if err != nil {
				return err
			}

			store, closeStore, err := openSeedStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			workflows := services.NewWorkflowService(store, logger, services.WorkflowOptions{
				StoreTimeout: cfg.Workflow.StoreTimeout,
			})
			summary, err := Seed(cmd.Context(), store, workflows, fixture, logger)
			if err != nil {
				return err
			}
			logger.Info("Seeding complete!",
				"campaigns", summary.Campaigns,
				"invited", summary.Invited,
				"skipped", summary.Skipped,
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVarP(&fixturePath, "fixture", "f", "seed.yaml", "YAML fixture of campaigns and invitations")
	return cmd
}

// Summary counts what a seed run wrote.
type Summary struct {
	Campaigns int
	Invited   int
	Skipped   int
}

// Seed writes the fixture through the workflow service. Campaigns and
// invitations that already exist are skipped, so reruns are harmless.
func Seed(ctx context.Context, store repository.WorkflowStore, workflows *services.WorkflowService, fixture *Fixture, logger *logging.Logger) (Summary, error) {
	var summary Summary
	for _, c := range fixture.Campaigns {
		status := c.Status
		if status == "" {
			status = "active"
		}
		err := store.CreateCampaign(ctx, &models.Campaign{
			ID:            c.ID,
			Name:          c.Name,
			Status:        status,
			StartDate:     c.StartDate,
			TargetEndDate: c.TargetEndDate,
			CreatedAt:     time.Now().UTC(),
		})
		switch {
		case err == nil:
			summary.Campaigns++
			logger.Info("Seeded campaign", "id", c.ID, "name", c.Name)
		case errors.Is(err, repository.ErrConflict):
			logger.Info("Skipping existing campaign", "id", c.ID)
		default:
			return summary, fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}

		for _, inv := range c.Invitations {
			record, err := workflows.Invite(ctx, services.InviteRequest{
				CampaignID:    c.ID,
				StorytellerID: inv.StorytellerID,
				Notes:         inv.Notes,
			})
			if services.IsKind(err, services.KindConflict) {
				summary.Skipped++
				logger.Info("Skipping existing invitation", "campaign_id", c.ID, "storyteller_id", inv.StorytellerID)
				continue
			}
			if err != nil {
				return summary, fmt.Errorf("seed invitation %s/%s: %w", c.ID, inv.StorytellerID, err)
			}
			summary.Invited++

			if inv.Stage != "" && inv.Stage != models.StageInvited {
				if _, err := workflows.Advance(ctx, services.AdvanceRequest{
					WorkflowID: record.ID,
					Stage:      inv.Stage,
					ChangedBy:  seedActor,
				}); err != nil {
					return summary, fmt.Errorf("advance %s/%s: %w", c.ID, inv.StorytellerID, err)
				}
			}
		}
	}
	return summary, nil
}

func openSeedStore(ctx context.Context, cfg *config.Config) (repository.WorkflowStore, func(), error) {
	if cfg.DB.Driver == "sqlite" {
		store, err := repository.OpenSQLite(ctx, cfg.DB.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if _, err := pool.Exec(ctx, repository.PostgresSchema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	return repository.NewPostgresWorkflowStore(pool), pool.Close, nil
}
