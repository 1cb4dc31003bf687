// ddrt is the distributed dynamic R-tree daemon and toolbox.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/windfish-studio/rtree/crdt"
	"github.com/windfish-studio/rtree/ddrt"
	"github.com/windfish-studio/rtree/geo"
	"github.com/windfish-studio/rtree/tree"
)

func main() {
	app := cli.App{
		Name:    "ddrt",
		Usage:   "distributed dynamic R-tree",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity level (eg: warn, info, debug)",
				Value:   "info",
				EnvVars: []string{"DDRT_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
			},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run a peer with the HTTP API",
			Action: runServe,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "name",
					Usage:   "peer name, unique within the group",
					Value:   "a",
					EnvVars: []string{"DDRT_NAME"},
				},
				&cli.StringFlag{
					Name:    "listen",
					Usage:   "API listen address",
					Value:   ":7878",
					EnvVars: []string{"DDRT_LISTEN"},
				},
				&cli.StringFlag{
					Name:    "mode",
					Usage:   "standalone or distributed",
					Value:   "standalone",
					EnvVars: []string{"DDRT_MODE"},
				},
				&cli.IntFlag{
					Name:    "width",
					Usage:   "maximum children per tree node",
					Value:   6,
					EnvVars: []string{"DDRT_WIDTH"},
				},
				&cli.IntFlag{
					Name:    "dimensionality",
					Usage:   "box dimensionality",
					Value:   2,
					EnvVars: []string{"DDRT_DIMENSIONALITY"},
				},
				&cli.Int64Flag{
					Name:    "seed",
					Usage:   "node id generator seed",
					EnvVars: []string{"DDRT_SEED"},
				},
				&cli.BoolFlag{
					Name:    "verbose",
					Usage:   "trace every operation",
					EnvVars: []string{"DDRT_VERBOSE"},
				},
				&cli.StringSliceFlag{
					Name:    "peer",
					Usage:   "peer as name=ws-url, repeatable (eg: b=ws://host:7879/deltas)",
					EnvVars: []string{"DDRT_PEERS"},
				},
				&cli.DurationFlag{
					Name:    "sync-interval",
					Usage:   "delta flush interval",
					Value:   50 * time.Millisecond,
					EnvVars: []string{"DDRT_SYNC_INTERVAL"},
				},
			},
		},
		&cli.Command{
			Name:   "bench",
			Usage:  "time inserts and queries against a local tree",
			Action: runBench,
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "leaves", Value: 100_000},
				&cli.IntFlag{Name: "queries", Value: 10_000},
				&cli.IntFlag{Name: "width", Value: 6},
				&cli.Int64Flag{Name: "seed", Value: 1},
			},
		},
		&cli.Command{
			Name:      "dump",
			Usage:     "insert a JSON entry stream and print the tree",
			ArgsUsage: "<path, or - for stdin>",
			Action:    runDump,
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "width", Value: 6},
			},
		},
	}
	app.Before = func(cctx *cli.Context) error {
		configLogger(cctx, os.Stderr)
		return nil
	}
	app.RunAndExitOnError()
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runServe(cctx *cli.Context) error {
	log := slog.Default()
	name := cctx.String("name")

	cfg := ddrt.ConfigFromOptions(map[string]any{
		"width":          cctx.Int("width"),
		"mode":           cctx.String("mode"),
		"verbose":        cctx.Bool("verbose"),
		"seed":           cctx.Int64("seed"),
		"dimensionality": cctx.Int("dimensionality"),
	}, log)

	var opts []ddrt.Option
	var replica *crdt.AWORMap
	var transport *crdt.WireTransport
	if cfg.Mode == ddrt.ModeDistributed {
		addrs := make(map[string]string)
		for _, p := range cctx.StringSlice("peer") {
			parts := strings.SplitN(p, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("malformed --peer %q, want name=ws-url", p)
			}
			addrs[parts[0]] = parts[1]
		}
		transport = crdt.NewWireTransport(addrs, log)
		replica = crdt.NewAWORMap(name, transport,
			crdt.WithSyncInterval(cctx.Duration("sync-interval")))
		opts = append(opts, ddrt.WithCRDT(replica))
	}

	inst := ddrt.New(name, cfg, opts...)
	if err := inst.Start(); err != nil {
		return err
	}
	defer inst.Stop()

	if replica != nil {
		ctx := context.Background()
		for _, p := range cctx.StringSlice("peer") {
			peer := strings.SplitN(p, "=", 2)[0]
			if err := inst.NodeUp(ctx, peer); err != nil {
				return err
			}
		}
	}

	srv, err := ddrt.NewServer(inst, log)
	if err != nil {
		return err
	}
	if replica != nil {
		srv.Mount("/deltas", crdt.DeltaHandler(replica, log))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var group errgroup.Group
	group.Go(func() error {
		log.Info("starting API server", "name", name, "listen", cctx.String("listen"), "mode", cfg.Mode)
		if err := srv.Start(cctx.String("listen")); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-signals
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if replica != nil {
			replica.Close()
		}
		if transport != nil {
			transport.Close()
		}
		return srv.Shutdown(ctx)
	})
	if err := group.Wait(); err != nil {
		log.Error("server exited", "err", err)
		return err
	}
	return nil
}

func runBench(cctx *cli.Context) error {
	log := slog.Default()
	n := cctx.Int("leaves")
	q := cctx.Int("queries")
	tr := tree.New(cctx.Int("width"), 2, cctx.Int64("seed"))
	rng := rand.New(rand.NewSource(cctx.Int64("seed")))

	randomBox := func() geo.Box {
		x := rng.Float64() * 10_000
		y := rng.Float64() * 10_000
		return geo.Box{
			{Min: x, Max: x + rng.Float64()*50},
			{Min: y, Max: y + rng.Float64()*50},
		}
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := tr.Insert(fmt.Sprintf("leaf-%d", i), randomBox()); err != nil {
			return err
		}
	}
	insertDur := time.Since(start)

	start = time.Now()
	var hits int
	for i := 0; i < q; i++ {
		ids, err := tr.Query(randomBox())
		if err != nil {
			return err
		}
		hits += len(ids)
	}
	queryDur := time.Since(start)

	log.Info("bench complete",
		"leaves", n,
		"height", tr.Height(),
		"insert_total", insertDur,
		"insert_per_op", insertDur/time.Duration(n),
		"queries", q,
		"query_total", queryDur,
		"query_per_op", queryDur/time.Duration(q),
		"hits", hits,
	)
	return nil
}

func runDump(cctx *cli.Context) error {
	path := cctx.Args().First()
	if path == "" {
		return fmt.Errorf("need a path to a JSON entry stream, or -")
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	var tr *tree.Tree
	for {
		var e tree.LeafEntry
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		if tr == nil {
			tr = tree.New(cctx.Int("width"), len(e.Box), 0)
		}
		if err := tr.Insert(e.ID, e.Box); err != nil {
			return err
		}
	}
	if tr == nil {
		return fmt.Errorf("no entries")
	}
	fmt.Print(tr.Dump())
	return nil
}
