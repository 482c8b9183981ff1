package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoattend/internal/client"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/offline"
)

var (
	agentInput  string
	agentFollow bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Queue samples locally and replay them to the server",
	Long:  "Reads JSON location samples, one per line, into a durable local queue and submits them oldest first at a bounded rate. Without --follow the agent exits once the input is read and the queue is empty.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("agent"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		in := cmd.InOrStdin()
		if agentInput != "-" {
			f, err := os.Open(agentInput)
			if err != nil {
				return eris.Wrap(err, "open agent input")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		q, err := offline.OpenSQLite(cfg.Agent.QueuePath, cfg.Agent.MaxEntries)
		if err != nil {
			return err
		}
		defer q.Close() //nolint:errcheck

		sub := client.New(client.Config{BaseURL: cfg.Agent.ServerURL, Token: cfg.Agent.Token})
		rep := offline.NewReplayer(q, sub, offline.ReplayerConfig{RPS: cfg.Agent.SubmitRPS})
		return runAgent(ctx, q, rep, in, agentFollow, time.Second)
	},
}

type replayer interface {
	Run(ctx context.Context) error
	Notify()
}

func runAgent(ctx context.Context, q offline.Queue, rep replayer, in io.Reader, follow bool, drainPoll time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rep.Run(gctx) })
	g.Go(func() error {
		n, err := enqueueSamples(gctx, q, in, rep.Notify)
		if err != nil {
			return err
		}
		zap.L().Info("agent: input read", zap.Int("queued", n))
		if follow {
			<-gctx.Done()
			return nil
		}
		err = waitDrained(gctx, q, drainPoll)
		cancel()
		return err
	})
	return g.Wait()
}

// enqueueSamples queues each decodable line and wakes the replayer after
// every enqueue. Lines that do not decode are logged and skipped.
func enqueueSamples(ctx context.Context, q offline.Queue, in io.Reader, notify func()) (int, error) {
	sc := bufio.NewScanner(in)
	n := 0
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s model.LocationSample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			zap.L().Warn("agent: skipping undecodable line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := q.Enqueue(ctx, s); err != nil {
			return n, err
		}
		n++
		notify()
	}
	if err := sc.Err(); err != nil {
		return n, eris.Wrap(err, "agent: read input")
	}
	return n, nil
}

func waitDrained(ctx context.Context, q offline.Queue, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n, err := q.Len(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	agentCmd.Flags().StringVar(&agentInput, "input", "-", "JSON-lines sample file, - for stdin")
	agentCmd.Flags().BoolVar(&agentFollow, "follow", false, "keep replaying after the input is read")
	rootCmd.AddCommand(agentCmd)
}
