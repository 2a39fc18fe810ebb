package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/database"
	"cropcast-backend/internal/models"
)

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "train", "predict", "trials", "history", "import"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, serveCmd.Flags().Lookup("seed"))
	assert.NotNil(t, trialsCmd.Flags().Lookup("limit"))
}

func TestApplySeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.json")
	doc := `{
		"crops": [{"id": "rice", "name": "Rice", "is_registered": true, "optimal": {"temperature": 25}}],
		"episodes": [{"id": "e1", "crop_id": "rice", "status": "harvested", "success_rate": 80}],
		"aggregates": [{"timestamp": "2026-05-01T00:00:00Z", "channels": {"ph": {"average": 6.5, "count": 3}}}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	seed, err := readSeed(path)
	require.NoError(t, err)

	store := database.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, applySeed(ctx, store, seed))

	crops, err := store.ReadCropProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, crops, 1)
	assert.Equal(t, 25.0, crops[0].Optimal[models.Temperature])

	ep, ok := store.Episode("e1")
	require.True(t, ok)
	assert.Equal(t, models.EpisodeHarvested, ep.Status)

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	aggs, err := store.ReadAggregates(ctx, start, start)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs[0].Channels[models.PH].Count)
}

func TestApplySeedRejectsMissingIDs(t *testing.T) {
	err := applySeed(context.Background(), database.NewMemoryStore(), seedFile{Crops: []models.CropProfile{{Name: "x"}}})
	assert.Error(t, err)
}

func TestPrintTrials(t *testing.T) {
	var buf bytes.Buffer
	trials := []models.TrainingTrial{
		{ID: "t2", TrialScore: 81.5, IsBest: true, Metrics: models.TrainingMetrics{Accuracy: 90, Epochs: 12}},
		{ID: "t1", TrialScore: 60},
	}
	require.NoError(t, printTrials(&buf, trials))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "t2")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), "*"))
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	records := []models.PredictionRecord{{
		ID:         "p1",
		TopOverall: &models.CropScore{CropID: "maize", Score: 77},
		Outcome:    &models.Outcome{CropID: "maize", Score: 70},
	}}
	require.NoError(t, printHistory(&buf, records))
	assert.Contains(t, buf.String(), "maize=70.0")
}
