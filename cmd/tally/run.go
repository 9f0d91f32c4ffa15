package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync loop",
	Long: `Keep the store in sync until interrupted. A pass runs on start, every
sync interval while the remote store is reachable, and as soon as it becomes
reachable again after an outage.

Setting 'paused: true' in the config file pauses syncing without a restart.`,
	Example: `  tally run --store shop-12 --remote-url https://db.example.com --api-key KEY
  TALLY_SYNC_INTERVAL=10s tally run --postgres-dsn postgres://till@db/shop`,
	RunE: runDaemon,
}

var runDuration time.Duration

func init() {
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (default: until interrupted)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	v, err := newViper()
	if err != nil {
		return err
	}
	cfg, err := configFrom(v)
	if err != nil {
		return err
	}
	if !cfg.HasRemote() {
		return fmt.Errorf("no remote store configured\n\nSet --remote-url with --api-key, or --postgres-dsn")
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	out := &syncWriter{w: cmd.OutOrStdout()}
	cfg.AutoSync = true
	cfg.OnCountsChanged = func(c tally.Counts) {
		if !outputJSON {
			printInfo(out, "queue: %d pending, %d failed", c.Pending, c.Failed)
		}
	}

	client, err := tally.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	if isTTY() && !outputJSON {
		fmt.Fprintln(out, renderBannerWithTagline())
		fmt.Fprintln(out)
	}
	printInfo(out, "syncing store %s every %s", client.StoreID(), v.GetDuration("sync_interval"))

	applyPaused(out, client, v.GetBool("paused"))
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if e.Has(fsnotify.Write) || e.Has(fsnotify.Create) {
				applyPaused(out, client, v.GetBool("paused"))
			}
		})
		v.WatchConfig()
	}

	<-ctx.Done()

	st := client.Status()
	if outputJSON {
		out.mu.Lock()
		defer out.mu.Unlock()
		return outputAsJSON(cmd, st)
	}
	printSuccess(out, "stopped: %d pending, %d failed", st.Pending, st.Failed)
	return nil
}

// applyPaused pauses or resumes syncing. Resuming requests a pass.
func applyPaused(out io.Writer, client *tally.Client, paused bool) {
	if paused {
		client.PauseSync()
		printWarning(out, "sync paused")
		return
	}
	client.ResumeSync()
}

// syncWriter serializes writes from the scheduler goroutine and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
