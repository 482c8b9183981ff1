package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/client"
	"github.com/sells-group/geoattend/internal/live"
	"github.com/sells-group/geoattend/internal/model"
)

var watchTenant string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a tenant's live zone events",
	Long:  "Prints the tenant snapshot and then each zone event as a JSON line. Falls back to polling snapshots while the live stream is unavailable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("watch"); err != nil {
			return err
		}
		if watchTenant == "" {
			return eris.New("--tenant is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		url, err := client.LiveURL(cfg.Live.ServerURL, watchTenant)
		if err != nil {
			return err
		}
		snapshots := client.New(client.Config{BaseURL: cfg.Live.ServerURL, Token: cfg.Live.Token})
		lc := live.New(live.Config{
			TenantID:             watchTenant,
			URL:                  url,
			Token:                cfg.Live.Token,
			MaxReconnectAttempts: cfg.Live.MaxReconnectAttempts,
			PollInterval:         time.Duration(cfg.Live.PollIntervalSecs) * time.Second,
		}, snapshots, watchCallbacks(cmd.OutOrStdout()))
		return lc.Run(ctx)
	},
}

type watchLine struct {
	Type     string           `json:"type"`
	Event    *model.ZoneEvent `json:"event,omitempty"`
	Snapshot *model.Snapshot  `json:"snapshot,omitempty"`
	Status   string           `json:"status,omitempty"`
}

// watchCallbacks writes one JSON line per snapshot, event and status change.
func watchCallbacks(w io.Writer) live.Callbacks {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	emit := func(l watchLine) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(l); err != nil {
			zap.L().Warn("watch: write failed", zap.Error(err))
		}
	}
	return live.Callbacks{
		OnSnapshot: func(s model.Snapshot) { emit(watchLine{Type: "snapshot", Snapshot: &s}) },
		OnEvent:    func(ev model.ZoneEvent) { emit(watchLine{Type: "event", Event: &ev}) },
		OnStatus:   func(st live.Status) { emit(watchLine{Type: "status", Status: st.String()}) },
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchTenant, "tenant", "", "tenant to follow")
	rootCmd.AddCommand(watchCmd)
}
