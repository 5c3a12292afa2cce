package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bluesky-social/retention/evalcache"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var soakCmd = &cli.Command{
	Name:  "soak",
	Usage: "drive synthetic events through an evaluation cache and the event buffer",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "events",
			Usage: "total number of synthetic events to generate",
			Value: 10_000,
		},
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"j"},
			Usage:   "number of parallel producers",
			Value:   4,
		},
		&cli.Float64Flag{
			Name:  "rate",
			Usage: "max events per second across all producers (0 for unlimited)",
		},
		&cli.IntFlag{
			Name:  "subjects",
			Usage: "number of distinct fake actors",
			Value: 200,
		},
		&cli.IntFlag{
			Name:    "cache-entries",
			Usage:   "max entries in the evaluation cache",
			Value:   1000,
			EnvVars: []string{"RETAIN_CACHE_MAX_ENTRIES"},
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Usage:   "lifetime of cached evaluation results",
			Value:   5 * time.Minute,
			EnvVars: []string{"RETAIN_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:  "show-recent",
			Usage: "print this many of the newest in-memory items when done",
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to serve prometheus metrics on while running (empty to disable)",
			EnvVars: []string{"RETAIN_METRICS_LISTEN"},
		},
	},
	Action: runSoak,
}

type soakEvent struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Repo   string `json:"repo"`
	Text   string `json:"text"`
}

type ruleResult struct {
	Rule    string `json:"rule"`
	Matched bool   `json:"matched"`
}

var soakActions = []string{"push", "merge", "comment", "label", "review"}

func fakeEvent(actors, repos []string) soakEvent {
	return soakEvent{
		Actor:  actors[gofakeit.Number(0, len(actors)-1)],
		Action: gofakeit.RandomString(soakActions),
		Repo:   repos[gofakeit.Number(0, len(repos)-1)],
		Text:   gofakeit.Sentence(gofakeit.Number(3, 20)),
	}
}

// evaluate stands in for an expensive rule evaluation, memoized per actor and (action, repo) context.
func evaluate(cache *evalcache.Cache[ruleResult], evt soakEvent) ruleResult {
	ctx := evalcache.Context{
		"action": evt.Action,
		"repo":   evt.Repo,
	}
	if res, ok := cache.Get("soak-rule", evt.Actor, ctx); ok {
		soakCacheHits.Inc()
		return res
	}

	time.Sleep(time.Millisecond)
	res := ruleResult{
		Rule:    "busy-actor",
		Matched: len(evt.Actor)%2 == 0 && evt.Action != "review",
	}
	cache.Put("soak-rule", evt.Actor, ctx, res)
	return res
}

func runSoak(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)

	if cctx.Int("subjects") < 1 {
		return fmt.Errorf("need at least one subject")
	}
	if cctx.Int("workers") < 1 {
		return fmt.Errorf("need at least one worker")
	}

	cache, err := evalcache.New[ruleResult](evalcache.Config{
		Enabled:     true,
		MaxEntries:  cctx.Int("cache-entries"),
		TTL:         cctx.Duration("cache-ttl"),
		MaxByteSize: evalcache.DefaultConfig().MaxByteSize,
		Logger:      logger.With("system", "evalcache"),
	})
	if err != nil {
		return err
	}

	buf, err := openBuffer(cctx)
	if err != nil {
		return err
	}
	defer buf.Shutdown()

	if listen := cctx.String("metrics-listen"); listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	actors := make([]string, cctx.Int("subjects"))
	for i := range actors {
		actors[i] = gofakeit.Username()
	}
	repos := make([]string, 8)
	for i := range repos {
		repos[i] = gofakeit.AppName()
	}

	var limiter *rate.Limiter
	if r := cctx.Float64("rate"); r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	start := time.Now()
	jobs := make(chan struct{})
	eg, ctx := errgroup.WithContext(cctx.Context)
	for i := 0; i < cctx.Int("workers"); i++ {
		eg.Go(func() error {
			for range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}

				evt := fakeEvent(actors, repos)
				res := evaluate(cache, evt)

				payload, err := json.Marshal(evt)
				if err != nil {
					return err
				}
				if _, err := buf.Add(payload, map[string]any{"rule": res.Rule, "matched": res.Matched}); err != nil {
					return fmt.Errorf("adding event: %w", err)
				}
				soakEvents.Inc()
			}
			return nil
		})
	}

	total := cctx.Int("events")
feed:
	for i := 0; i < total; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)

	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info("soak complete", "events", total, "duration", time.Since(start))

	if n := cctx.Int("show-recent"); n > 0 {
		if err := printJSON(buf.RecentN(n)); err != nil {
			return err
		}
	}

	return printJSON(map[string]any{
		"cache":  cache.Stats(),
		"buffer": buf.Stats(),
	})
}
