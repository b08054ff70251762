package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webshot/internal/shot"
)

type captureOptions struct {
	outDir       string
	width        int
	height       int
	scaledWidth  int
	scaledHeight int
	format       string
	selectors    string
	parallel     int
}

// captureRow is one line of the summary table.
type captureRow struct {
	URL      string
	Key      string
	Cache    string
	Bytes    int64
	Duration time.Duration
	Err      error
}

// shooter is the slice of the pipeline capture needs.
type shooter interface {
	Shoot(ctx context.Context, req shot.Request) (*shot.Result, error)
}

func newCaptureCmd(rt *cliState) *cobra.Command {
	opts := captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture <url>...",
		Short: "Render URLs in-process and write the images to a directory",
		Long: `capture runs each URL through the same cache-aware pipeline the HTTP API
uses and writes the resulting image to --out as <key>. URLs already in the
blob store are copied without a render.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt.cfg.Server.ResponseMode = string(shot.LocateBytes)
			rt.cfg.Browser.WarmOnStart = false
			rt.cfg.Queue.Workers = 0
			app, err := rt.buildApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
				defer cancel()
				if cerr := app.Close(ctx); cerr != nil {
					rt.logger.Warn("shutdown failed", zap.Error(cerr))
				}
			}()

			rows, err := runCapture(cmd.Context(), app.Pipeline(), args, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(rt.stdout, renderCaptureTable(rows, isTerminal(rt.stdout)))
			if failed := countFailures(rows); failed > 0 {
				return fmt.Errorf("%d of %d captures failed", failed, len(rows))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", ".", "directory to write images into")
	cmd.Flags().IntVar(&opts.width, "width", shot.DefaultWidth, "viewport width")
	cmd.Flags().IntVar(&opts.height, "height", shot.DefaultHeight, "viewport height")
	cmd.Flags().IntVar(&opts.scaledWidth, "scaled-width", 0, "output width (scale down only)")
	cmd.Flags().IntVar(&opts.scaledHeight, "scaled-height", 0, "output height (scale down only)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", string(shot.FormatWebP), "output format: webp, jpg or png")
	cmd.Flags().StringVar(&opts.selectors, "selectors", "", "comma-separated CSS selectors to wait for")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "j", 2, "captures in flight at once")
	return cmd
}

// runCapture shoots every URL and writes successful images to opts.outDir.
// Per-URL failures are reported in the rows, not returned.
func runCapture(ctx context.Context, s shooter, urls []string, opts captureOptions) ([]captureRow, error) {
	if err := os.MkdirAll(opts.outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	rows := make([]captureRow, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.parallel))
	for i, u := range urls {
		g.Go(func() error {
			rows[i] = captureOne(gctx, s, u, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rows, fmt.Errorf("capture: %w", err)
	}
	return rows, nil
}

func captureOne(ctx context.Context, s shooter, rawURL string, opts captureOptions) captureRow {
	start := time.Now()
	row := captureRow{URL: rawURL}

	req, err := shot.NewRequest(shot.RequestParams{
		URL:          rawURL,
		Width:        opts.width,
		Height:       opts.height,
		ScaledWidth:  opts.scaledWidth,
		ScaledHeight: opts.scaledHeight,
		Selectors:    shot.SplitSelectors(opts.selectors),
		Format:       opts.format,
	})
	if err != nil {
		row.Err = err
		return finish(row, start)
	}
	res, err := s.Shoot(ctx, req)
	if err != nil {
		row.Err = err
		return finish(row, start)
	}
	row.Key = res.Key
	row.Cache = "miss"
	if res.CacheHit {
		row.Cache = "hit"
	}
	if res.Locator == nil || res.Locator.Body == nil {
		row.Err = fmt.Errorf("no image bytes for %s", res.Key)
		return finish(row, start)
	}
	defer func() { _ = res.Locator.Body.Close() }()
	row.Bytes, row.Err = writeImage(filepath.Join(opts.outDir, res.Key), res.Locator.Body)
	return finish(row, start)
}

func finish(row captureRow, start time.Time) captureRow {
	row.Duration = time.Since(start)
	return row
}

func writeImage(path string, body io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return n, nil
}

func countFailures(rows []captureRow) int {
	n := 0
	for _, r := range rows {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// renderCaptureTable draws a rounded table for terminals and TSV otherwise.
func renderCaptureTable(rows []captureRow, terminal bool) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"URL", "Key", "Cache", "Bytes", "Time", "Error"})
	for _, r := range rows {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		tw.AppendRow(table.Row{
			r.URL,
			r.Key,
			r.Cache,
			strconv.FormatInt(r.Bytes, 10),
			r.Duration.Round(time.Millisecond).String(),
			errText,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	if !terminal {
		return tw.RenderTSV()
	}
	tw.SetStyle(table.StyleRounded)
	return tw.Render()
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
