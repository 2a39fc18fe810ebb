package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cropcast-backend/internal/models"
)

// seedFile is the JSON document accepted by import and serve --seed
type seedFile struct {
	Crops      []models.CropProfile     `json:"crops"`
	Episodes   []models.Episode         `json:"episodes"`
	Aggregates []models.SensorAggregate `json:"aggregates"`
}

// seedWriter is the write side of the store used for seeding
type seedWriter interface {
	UpsertCropProfile(ctx context.Context, crop models.CropProfile) error
	UpsertEpisode(ctx context.Context, ep models.Episode) error
	SaveAggregates(ctx context.Context, aggs []models.SensorAggregate) error
}

var seedPath string

var importCmd = &cobra.Command{
	Use:   "import [file.json]",
	Short: "Load crop profiles, planting episodes and aggregates from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	serveCmd.Flags().StringVar(&seedPath, "seed", "", "JSON file imported into the store before serving")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	seed, err := readSeed(args[0])
	if err != nil {
		return err
	}
	if err := applySeed(ctx, a.store, seed); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d crops, %d episodes, %d aggregates\n",
		len(seed.Crops), len(seed.Episodes), len(seed.Aggregates))
	return nil
}

func readSeed(path string) (seedFile, error) {
	var seed seedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read seed file: %w", err)
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("failed to decode seed file %s: %w", path, err)
	}
	return seed, nil
}

func applySeed(ctx context.Context, store seedWriter, seed seedFile) error {
	for _, crop := range seed.Crops {
		if crop.ID == "" {
			return fmt.Errorf("crop profile without id")
		}
		if err := store.UpsertCropProfile(ctx, crop); err != nil {
			return err
		}
	}
	for _, ep := range seed.Episodes {
		if ep.ID == "" {
			return fmt.Errorf("episode without id")
		}
		if err := store.UpsertEpisode(ctx, ep); err != nil {
			return err
		}
	}
	if len(seed.Aggregates) > 0 {
		if err := store.SaveAggregates(ctx, seed.Aggregates); err != nil {
			return err
		}
	}
	return nil
}
