package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"solararchive/internal/acquire"
	"solararchive/internal/cache"
	"solararchive/internal/pipeline"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "solararchive",
		Short: "Fetch, calibrate and fuse solar observations for a date",
		Long: `solararchive searches the SDO and SOHO archives for a requested date,
downloads the nearest frames, calibrates each one and fuses them into a single
exposure-weighted composite. Composites are cached by (source, band, date).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newFetchCmd(root))
	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newCacheCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newFetchCmd(root *Root) *cobra.Command {
	var (
		source   string
		band     int
		detector string
		force    bool
		preview  string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <date>",
		Short: "Acquire the fused composite for a date",
		Long: `Acquire the fused composite for a date (YYYY-MM-DD or RFC 3339).

The source defaults to "auto", which picks SDO from 2010-05-15, SOHO-EIT from
1996-01-01 and SOHO-LASCO before that. When nothing is found the search window
widens and then falls back to the configured fallback source.

Examples:
  solararchive fetch 2024-06-01
  solararchive fetch 2024-06-01 --source SDO --band 171 --preview sun.png
  solararchive fetch 2001-01-01 --source SOHO-LASCO --detector C3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := acquire.ParseDate(args[0])
			if err != nil {
				return err
			}
			job := pipeline.Job{
				Type: pipeline.JobAcquire,
				Request: acquire.Request{
					Date:     date,
					Source:   source,
					Band:     band,
					Detector: detector,
					Force:    force,
				},
				Output:  preview,
				Options: map[string]any{"origin": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				if errors.Is(err, acquire.ErrNotFound) {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return err
			}
			if asJSON {
				return printJSON(root, res.Acquisition)
			}
			root.printAcquisition(res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "auto", "data source (auto|SDO|SOHO-EIT|SOHO-LASCO)")
	cmd.Flags().IntVarP(&band, "band", "b", 0, "wavelength in angstrom, 0 for the source default")
	cmd.Flags().StringVar(&detector, "detector", "", "coronagraph detector for SOHO-LASCO (C2|C3)")
	cmd.Flags().BoolVar(&force, "force", false, "ignore the cache and overwrite the entry")
	cmd.Flags().StringVarP(&preview, "preview", "p", "", "write a grayscale preview image to this path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full acquisition result as JSON")

	return cmd
}

func (r *Root) printAcquisition(res pipeline.Result) {
	a := res.Acquisition
	if a == nil {
		return
	}
	c := a.Composite
	origin := "archive"
	if a.FromCache {
		origin = "cache"
	}
	r.printf("%s  %dx%d  %d frame(s) from %s\n", a.Key, c.Grid.Width, c.Grid.Height, c.FrameCount, origin)
	if !c.Start.IsZero() {
		r.printf("  observed  %s .. %s\n", c.Start.UTC().Format(time.RFC3339), c.End.UTC().Format(time.RFC3339))
	}
	if c.SNRGain != nil {
		r.printf("  snr gain  %.2f (sqrt(N) = %.2f)\n", *c.SNRGain, math.Sqrt(float64(c.FrameCount)))
	}
	if p, ok := res.Meta["preview"].(string); ok {
		r.printf("  preview   %s\n", p)
	}
	if msg, ok := res.Meta["preview_error"].(string); ok {
		r.printf("  preview   failed: %s\n", msg)
	}
}

func newStackCmd(root *Root) *cobra.Command {
	var preview string

	cmd := &cobra.Command{
		Use:   "stack <input_directory> [output.fits]",
		Short: "Calibrate and fuse local FITS files",
		Long: `Calibrate every FITS file under a directory and fuse them into one
exposure-weighted composite. The output defaults to <input_directory>_stack.fits.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobStack,
				InputPath: args[0],
				Options:   map[string]any{"origin": "cli"},
			}
			if len(args) > 1 {
				job.Output = args[1]
			}
			if preview != "" {
				job.Options["preview"] = preview
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			root.printf("%v frame(s) fused into %v\n", res.Meta["frame_count"], res.Meta["output"])
			if n, _ := res.Meta["unreadable"].(int); n > 0 {
				root.printf("  %d unreadable file(s) skipped\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&preview, "preview", "p", "", "also write a grayscale preview image")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing /generate, /acquisitions, /composites,
/stream (server-sent events), /ws and /metrics, plus a gRPC health service
when --grpc-addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.serveFn == nil {
				return fmt.Errorf("server unavailable")
			}
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			if grpcAddr == "" {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmd.Context(), addr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default from config)")
	return cmd
}

func newCacheCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate cached composites",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached composites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.requireCache()
			if err != nil {
				return err
			}
			entries, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				root.printf("cache is empty\n")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				stored := ""
				if !e.StoredAt.IsZero() {
					stored = e.StoredAt.Local().Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{
					e.Name,
					e.Tier,
					strconv.Itoa(e.FrameCount),
					fmt.Sprintf("%dx%d", e.Width, e.Height),
					stored,
				})
			}
			root.printf("%s\n", renderTable(root.out,
				[]string{"Key", "Tier", "Frames", "Size", "Stored"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate <key>...",
		Short: "Remove composites by key (SOURCE_BAND_YYYYMMDD)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.requireCache()
			if err != nil {
				return err
			}
			for _, arg := range args {
				key, err := cache.ParseKey(arg)
				if err != nil {
					return err
				}
				if err := c.Invalidate(cmd.Context(), key); err != nil {
					return fmt.Errorf("invalidate %s: %w", key, err)
				}
				root.printf("invalidated %s\n", key)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached composite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.requireCache()
			if err != nil {
				return err
			}
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			root.printf("cache cleared\n")
			return nil
		},
	})

	return cmd
}

func (r *Root) requireCache() (cache.Store, error) {
	if r.cache == nil {
		return nil, fmt.Errorf("cache unavailable")
	}
	return r.cache, nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}

func printJSON(root *Root, v any) error {
	enc := json.NewEncoder(root.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, root *Root, args []string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
