package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rocketspeed-io/towercore/internal/config"
	"github.com/rocketspeed-io/towercore/internal/controltower"
	"github.com/rocketspeed-io/towercore/internal/logstore/pebblelog"
	"github.com/rocketspeed-io/towercore/internal/logtailer"
	httpserver "github.com/rocketspeed-io/towercore/internal/server/http"
	pebblestore "github.com/rocketspeed-io/towercore/internal/storage/pebble"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	logpkg "github.com/rocketspeed-io/towercore/pkg/log"
)

func main() {
	logger := logpkg.NewLogger()

	rootCmd := &cobra.Command{
		Use:   "towerctl",
		Short: "Control Tower CLI",
		Long:  "towerctl runs the topic tailer Control Tower and drives it from the command line.",
	}

	rootCmd.AddCommand(newServeCmd(logger))
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newTailCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Control Tower's storage engine and HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			configPath, _ := cmd.Flags().GetString("config")

			if dataDir == "" {
				dataDir = config.DefaultDataDir()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.FromEnv(&cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Fsync: pebblestore.FsyncModeAlways})
			if err != nil {
				return fmt.Errorf("open pebble: %w", err)
			}
			defer db.Close()

			registry := httpserver.NewRegistry()
			proxy := &deferredSink{}
			store := pebblelog.New(db, proxy, true)

			tower, err := controltower.New(controltower.Options{
				NumRooms:              cfg.ControlTower.NumRooms,
				ReadersPerRoom:        cfg.ControlTower.ReadersPerRoom,
				LogRangeFirst:         topicuuid.LogID(cfg.ControlTower.LogRange.First),
				LogRangeLast:          topicuuid.LogID(cfg.ControlTower.LogRange.Last),
				CacheSizePerRoom:      cfg.ControlTower.CacheSizePerRoomBytes,
				CacheSystemNamespaces: cfg.ControlTower.CacheSystemNamespaces,
				MaxSubscriptionLag:    cfg.ControlTower.MaxSubscriptionLag,
				RoomQueueDepth:        cfg.ControlTower.RoomQueueDepth,
				Logger:                logger,
			}, store, registry)
			if err != nil {
				return fmt.Errorf("controltower: %w", err)
			}
			proxy.tower = tower

			go tower.Run(ctx)
			defer tower.Stop()

			s := httpserver.New(tower, store, registry, logger)
			logger.Info("towerctl serving", logpkg.F("http_addr", httpAddr), logpkg.F("data_dir", dataDir), logpkg.F("num_rooms", cfg.ControlTower.NumRooms))
			if err := s.ListenAndServe(ctx, httpAddr); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("data-dir", "", "Data directory (defaults to the OS application data directory)")
	cmd.Flags().String("http", ":8080", "HTTP listen address")
	cmd.Flags().String("config", "", "Path to a JSON config file")
	return cmd
}

// deferredSink breaks the construction cycle between pebblelog.Log
// (needs a sink at birth) and ControlTower (needs the store at birth).
type deferredSink struct{ tower *controltower.ControlTower }

func (s *deferredSink) OnRecord(r logtailer.Record) { s.tower.OnRecord(r) }
func (s *deferredSink) OnGap(g logtailer.Gap)       { s.tower.OnGap(g) }

func newPublishCmd() *cobra.Command {
	var namespace, topic, payload string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one record to a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"namespace": namespace, "topic": topic, "payload": []byte(payload)}
			b, _ := json.Marshal(body)
			resp, err := http.Post(apiURL()+"/v1/publish", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println(resp.Status, string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Namespace")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic name")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload text")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func newTailCmd() *cobra.Command {
	var namespace, topic string
	var start uint64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to a topic and print delivered records/gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/subscribe?namespace=%s&topic=%s&start=%d", apiURL(), namespace, topic, start)
			resp, err := http.Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if len(line) > 6 && line[:6] == "data: " {
					fmt.Println(line[6:])
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Namespace")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic name")
	cmd.Flags().Uint64Var(&start, "start", 0, "Starting sequence number (0 = tail)")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func newLogsCmd() *cobra.Command {
	logsCmd := &cobra.Command{Use: "logs", Short: "Log introspection"}

	var logID uint64
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print a single log's reader/subscriber state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("%s/v1/logs/info?log_id=%d", apiURL(), logID))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(os.Stdout, resp.Body)
			return nil
		},
	}
	infoCmd.Flags().Uint64Var(&logID, "log-id", 0, "Log id")
	logsCmd.AddCommand(infoCmd)

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Print every room's log state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/logs/all")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(os.Stdout, resp.Body)
			return nil
		},
	}
	logsCmd.AddCommand(allCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate Control Tower counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/stats")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(os.Stdout, resp.Body)
			return nil
		},
	}
	logsCmd.AddCommand(statsCmd)

	return logsCmd
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{Use: "cache", Short: "Record cache management"}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear every room's record cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(apiURL()+"/v1/cache/clear", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println(resp.Status)
			return nil
		},
	}
	cacheCmd.AddCommand(clearCmd)

	var bytesPerRoom int64
	resizeCmd := &cobra.Command{
		Use:   "resize",
		Short: "Resize every room's record cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]int64{"bytesPerRoom": bytesPerRoom})
			resp, err := http.Post(apiURL()+"/v1/cache/resize", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println(resp.Status)
			return nil
		},
	}
	resizeCmd.Flags().Int64Var(&bytesPerRoom, "bytes-per-room", 64<<20, "New cache capacity per room, in bytes")
	cacheCmd.AddCommand(resizeCmd)

	return cacheCmd
}

func apiURL() string {
	if v := os.Getenv("TOWERCTL_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
