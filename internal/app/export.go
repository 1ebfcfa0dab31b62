package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/models"
)

// defaultExportWindowMinutes covers a week of history when no window is
// given, which is what moderation reviews usually want to see.
const defaultExportWindowMinutes = 7 * 24 * 60

// Export renders a player's reaction-time history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PlayerID == 0 {
		return errors.New("--player is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	if opts.WindowMinutes <= 0 {
		opts.WindowMinutes = defaultExportWindowMinutes
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	engine := a.newEngine(ctx, store, client)
	result, err := engine.CheckPlayerSpeed(ctx, opts.PlayerID, time.Time{}, opts.WindowMinutes)
	if err != nil {
		return err
	}
	if len(result.Timings) == 0 {
		a.Logger.Info().Int64("player", opts.PlayerID).Msg("no timing samples for export window")
		return nil
	}

	timings := append([]models.AuctionTiming(nil), result.Timings...)
	sort.Slice(timings, func(i, j int) bool { return timings[i].SoldAt.Before(timings[j].SoldAt) })

	downsampled := downsampleTimings(timings, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(timings)).
		Int("exported", len(downsampled)).
		Float64("penalty", result.Penalty).
		Msg("exporting timing history")

	if opts.CSVPath != "" {
		if err := writeTimingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTimingsPNG(opts.PNGPath, opts.PlayerID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTimings(timings []models.AuctionTiming, max int) []models.AuctionTiming {
	if max <= 0 || len(timings) <= max {
		return timings
	}

	result := make([]models.AuctionTiming, 0, max)
	step := float64(len(timings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(timings) {
			idx = len(timings) - 1
		}
		result = append(result, timings[idx])
	}
	return result
}

func writeTimingsCSV(path string, timings []models.AuctionTiming) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sold_ts", "auction_id", "elapsed_seconds", "age_seconds"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, timing := range timings {
		record := []string{
			timing.SoldAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(timing.AuctionID, 10),
			strconv.FormatFloat(timing.ElapsedSeconds, 'f', 3, 64),
			strconv.FormatFloat(timing.AgeSeconds, 'f', 0, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeTimingsPNG(path string, playerID int64, timings []models.AuctionTiming) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(timings))
	elapsed := make([]float64, len(timings))
	for i, timing := range timings {
		x[i] = timing.SoldAt
		elapsed[i] = timing.ElapsedSeconds
	}

	secondsFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("Reaction times, player %d", playerID),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Reaction (s)",
			ValueFormatter: secondsFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Reaction",
				XValues: x,
				YValues: elapsed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
