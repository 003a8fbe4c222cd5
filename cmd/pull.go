package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ThatCatDev/tanrenai/pocket/internal/download"
	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model-id>...",
	Short: "Download catalog models",
	Long: `Download one or more models from the catalog in parallel.

Examples:
  pocket pull qwen2.5-1.5b-instruct-q8_0
  pocket pull llama-3.2-1b-instruct-q8_0 gemma-2-2b-it-q6_k

Set HF_TOKEN for gated HuggingFace repositories.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range args {
			g.Go(func() error { return pullOne(gctx, a, id) })
		}
		return g.Wait()
	},
}

func pullOne(ctx context.Context, a *app, id string) error {
	m, err := a.catalog.Get(id)
	if err != nil {
		return err
	}
	if m.IsDownloaded {
		fmt.Printf("%s: already downloaded\n", id)
		return nil
	}

	// Subscribe before starting so no early sample is missed.
	updates, unsubscribe := a.bus.Subscribe(events.TopicModels)
	defer unsubscribe()

	job, err := a.downloads.CheckSpaceAndStart(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	fmt.Printf("%s: downloading %s to %s\n", id, humanize.Bytes(uint64(m.Size)), job.Dest)

	err = followDownload(ctx, id, job, updates, time.Second, func(p download.Progress) { printProgress(id, p) })
	if ctx.Err() != nil {
		a.downloads.Cancel(id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	fmt.Printf("%s: done\n", id)
	return nil
}

// watchedJob is the part of a download job followDownload needs.
type watchedJob interface {
	Done() <-chan struct{}
	Wait(ctx context.Context) error
	Progress() download.Progress
}

// followDownload reports progress for model id whenever the catalog
// publishes an update for it, at most once per every. It returns the job's
// outcome, or ctx.Err() when ctx ends first.
func followDownload(ctx context.Context, id string, job watchedJob, updates <-chan events.Event, every time.Duration, report func(download.Progress)) error {
	var last time.Time
	for {
		select {
		case <-job.Done():
			return job.Wait(context.Background())
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if ev.ID != id || time.Since(last) < every {
				continue
			}
			last = time.Now()
			report(job.Progress())
		}
	}
}

func printProgress(id string, p download.Progress) {
	const barWidth = 30
	filled := min(barWidth*int(p.Percent)/100, barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	line := fmt.Sprintf("%s [%s] %3.0f%%  %s / %s", id, bar, p.Percent,
		humanize.Bytes(uint64(p.Written)), humanize.Bytes(uint64(p.Total)))
	if speed := p.SpeedLabel(); speed != "" {
		line += "  " + speed
	}
	if p.ETA > 0 {
		line += "  eta " + p.ETA.Round(time.Second).String()
	}
	fmt.Println(line)
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
