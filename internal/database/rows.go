package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cropcast-backend/internal/models"
)

// aggregateRow is one channel of one period in sensor_aggregates
type aggregateRow struct {
	PeriodStart time.Time
	Channel     string
	Avg         *float64
	Min         *float64
	Max         *float64
	Count       uint32
}

// flattenAggregates expands aggregates into per-channel rows in a stable order
func flattenAggregates(aggs []models.SensorAggregate) []aggregateRow {
	var rows []aggregateRow
	for _, agg := range aggs {
		for _, ch := range models.AllChannels {
			stats, ok := agg.Channels[ch]
			if !ok {
				continue
			}
			rows = append(rows, aggregateRow{
				PeriodStart: agg.Timestamp,
				Channel:     string(ch),
				Avg:         stats.Average,
				Min:         stats.Min,
				Max:         stats.Max,
				Count:       uint32(max(stats.Count, 0)),
			})
		}
	}
	return rows
}

// groupAggregates folds per-channel rows back into aggregates, oldest first
func groupAggregates(rows []aggregateRow) []models.SensorAggregate {
	byPeriod := make(map[int64]*models.SensorAggregate)
	var keys []int64
	for _, r := range rows {
		key := r.PeriodStart.UnixMilli()
		agg, ok := byPeriod[key]
		if !ok {
			agg = &models.SensorAggregate{
				Timestamp: r.PeriodStart,
				Channels:  make(map[models.Channel]models.ChannelStats),
			}
			byPeriod[key] = agg
			keys = append(keys, key)
		}
		agg.Channels[models.Channel(r.Channel)] = models.ChannelStats{
			Average: r.Avg,
			Min:     r.Min,
			Max:     r.Max,
			Count:   int(r.Count),
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]models.SensorAggregate, len(keys))
	for i, k := range keys {
		out[i] = *byPeriod[k]
	}
	return out
}

// episodeRow mirrors planting_episodes; the final summary is stored as JSON
type episodeRow struct {
	ID           string
	CropID       string
	Status       string
	StartDate    time.Time
	EndDate      time.Time
	FinalSummary string
	SuccessRate  *float64
	Trained      bool
}

func newEpisodeRow(ep models.Episode) (episodeRow, error) {
	row := episodeRow{
		ID:          ep.ID,
		CropID:      ep.CropID,
		Status:      ep.Status,
		StartDate:   ep.StartDate,
		EndDate:     ep.EndDate,
		SuccessRate: ep.SuccessRate,
		Trained:     ep.TrainedForModel,
	}
	if ep.FinalSummary != nil {
		data, err := json.Marshal(ep.FinalSummary)
		if err != nil {
			return row, fmt.Errorf("failed to marshal final summary of episode %s: %w", ep.ID, err)
		}
		row.FinalSummary = string(data)
	}
	return row, nil
}

func (r episodeRow) episode() (models.Episode, error) {
	ep := models.Episode{
		ID:              r.ID,
		CropID:          r.CropID,
		Status:          r.Status,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		SuccessRate:     r.SuccessRate,
		TrainedForModel: r.Trained,
	}
	if r.FinalSummary != "" {
		var summary models.SensorAggregate
		if err := json.Unmarshal([]byte(r.FinalSummary), &summary); err != nil {
			return ep, fmt.Errorf("failed to decode final summary: %w", err)
		}
		ep.FinalSummary = &summary
	}
	return ep, nil
}
