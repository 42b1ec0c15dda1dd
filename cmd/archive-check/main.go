// archive-check runs one search per configured source around a date and
// reports how many records each archive returns. It downloads nothing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"solararchive/internal/acquire"
	"solararchive/internal/archive"
	"solararchive/internal/config"
	"solararchive/internal/logging"
)

func main() {
	_ = godotenv.Load()

	dateFlag := flag.String("date", time.Now().UTC().Format(time.DateOnly), "reference date (YYYY-MM-DD or RFC 3339)")
	window := flag.Duration("window", 10*time.Minute, "half-width of the search window")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	verbose := flag.Bool("v", false, "log archive requests")
	flag.Parse()

	date, err := acquire.ParseDate(*dateFlag)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config: ", err)
	}

	logger := logging.Discard()
	if *verbose {
		logger = logging.New("debug", "text")
	}
	// one attempt per source keeps the check quick
	cfg.Archive.Retries = 1
	client := archive.New(cfg.Archive, cfg.Sources, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Source", "Band", "Window", "Records", "Nearest", "Took", "Error"})

	failures := 0
	for _, src := range cfg.Sources {
		band := src.DefaultBand
		win := archive.TimeRange{Start: date.Add(-*window), End: date.Add(*window)}
		started := time.Now()
		recs, err := client.Search(ctx, archive.Query{
			Source:     src.Name,
			Instrument: src.Instrument,
			Band:       band,
			Range:      win,
		})
		row := table.Row{src.Name, band, win.String(), len(recs), "", time.Since(started).Round(time.Millisecond), ""}
		if len(recs) > 0 {
			row[4] = recs[0].Start.UTC().Format(time.RFC3339)
		}
		if err != nil {
			failures++
			row[6] = err.Error()
		}
		tw.AppendRow(row)
	}
	tw.Render()

	if failures > 0 {
		fmt.Fprintln(os.Stderr, strconv.Itoa(failures)+" source(s) failed")
		os.Exit(1)
	}
}
