package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/retention/eventbuf"

	"github.com/araddon/dateparse"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "retainctl",
		Usage:   "inspect and exercise evaluation cache and event buffer storage",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "storage-dir",
			Usage:   "directory holding event buffer chunk files",
			Value:   "data/buffer",
			EnvVars: []string{"RETAIN_STORAGE_DIR"},
		},
		&cli.IntFlag{
			Name:    "max-memory-items",
			Usage:   "event buffer memory window size before spilling to disk",
			Value:   1000,
			EnvVars: []string{"RETAIN_MAX_MEMORY_ITEMS"},
		},
		&cli.BoolFlag{
			Name:    "compress",
			Usage:   "gzip chunk files written by this process",
			Value:   true,
			EnvVars: []string{"RETAIN_COMPRESS"},
		},
		&cli.DurationFlag{
			Name:    "cleanup-interval",
			Usage:   "period of the background chunk file cleanup pass",
			Value:   time.Hour,
			EnvVars: []string{"RETAIN_CLEANUP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "warn",
			EnvVars: []string{"RETAIN_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			Value:   "text",
			EnvVars: []string{"RETAIN_LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		statsCmd,
		getCmd,
		rangeCmd,
		clearCmd,
		soakCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var logger *slog.Logger
	if strings.ToLower(cctx.String("log-format")) == "json" {
		logger = slog.New(slog.NewJSONHandler(writer, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(writer, opts))
	}
	slog.SetDefault(logger)
	return logger
}

func bufferConfig(cctx *cli.Context, logger *slog.Logger) eventbuf.Config {
	cfg := eventbuf.DefaultConfig()
	cfg.StorageDir = cctx.String("storage-dir")
	cfg.MaxMemoryItems = cctx.Int("max-memory-items")
	cfg.CompressionEnabled = cctx.Bool("compress")
	cfg.CleanupInterval = cctx.Duration("cleanup-interval")
	cfg.Logger = logger.With("system", "eventbuf")
	return cfg
}

// openBuffer opens the storage directory with payloads kept as raw JSON, since this tool does not know their shape.
func openBuffer(cctx *cli.Context) (*eventbuf.Buffer[json.RawMessage], error) {
	logger := configLogger(cctx, os.Stderr)
	buf, err := eventbuf.New[json.RawMessage](bufferConfig(cctx, logger))
	if err != nil {
		return nil, fmt.Errorf("opening event buffer: %w", err)
	}
	return buf, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "summarize chunk files in the storage directory",
	Action: func(cctx *cli.Context) error {
		buf, err := openBuffer(cctx)
		if err != nil {
			return err
		}
		defer buf.Shutdown()

		return printJSON(buf.Stats())
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "print a single stored item by id",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		id := cctx.Args().First()
		if id == "" {
			return fmt.Errorf("need to provide an item id as an argument")
		}

		buf, err := openBuffer(cctx)
		if err != nil {
			return err
		}
		defer buf.Shutdown()

		it, ok := buf.Get(id)
		if !ok {
			return fmt.Errorf("item not found: %s", id)
		}
		return printJSON(it)
	},
}

var rangeCmd = &cli.Command{
	Name:  "range",
	Usage: "print stored items within a time window, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "start",
			Usage: "window start, any common date/time format (default: beginning of time)",
		},
		&cli.StringFlag{
			Name:  "end",
			Usage: "window end, any common date/time format (default: now)",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "max number of items to print (0 for all)",
		},
	},
	Action: func(cctx *cli.Context) error {
		start, err := parseBound(cctx.String("start"), 0)
		if err != nil {
			return fmt.Errorf("invalid start: %w", err)
		}
		end, err := parseBound(cctx.String("end"), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("invalid end: %w", err)
		}

		buf, err := openBuffer(cctx)
		if err != nil {
			return err
		}
		defer buf.Shutdown()

		items := buf.RangeByTime(start, end)
		if limit := cctx.Int("limit"); limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		return printJSON(items)
	},
}

func parseBound(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	if s == "max" {
		return math.MaxInt64, nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

var clearCmd = &cli.Command{
	Name:  "clear",
	Usage: "delete every chunk file in the storage directory",
	Action: func(cctx *cli.Context) error {
		buf, err := openBuffer(cctx)
		if err != nil {
			return err
		}
		defer buf.Shutdown()

		before := buf.Stats()
		buf.ClearAll()
		fmt.Printf("removed %d items in %d chunk files\n", before.FileItems, before.CompressedFiles+before.UncompressedFiles)
		return nil
	},
}
