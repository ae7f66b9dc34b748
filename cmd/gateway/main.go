// Command gateway is the process entrypoint: it parses flags/env,
// assembles a coordinator.Gateway (C9), starts it, and waits for
// SIGINT/SIGTERM before stopping everything in reverse order. Grounded
// on the teacher's cmd/server/edge/main.go (env-var config, a cancelable
// context, signal.Notify shutdown), generalized into a cobra root
// command the way rustyeddy-otto's cmd/cmd_root.go / cmd/cmd_serve.go
// structure their server entrypoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fisaks/uhn-gateway/internal/coordinator"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/netsup"
	"github.com/fisaks/uhn-gateway/internal/retryqueue"
)

var (
	configDir    string
	retryImage   string
	obsCapacity  int
	retryDepth   int
	primaryIface string
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var rootCmd = &cobra.Command{
	Use:   "uhn-gateway",
	Short: "uhn-gateway polls Modbus devices and publishes observations over MQTT/HTTP",
	Long: `uhn-gateway is the industrial IoT gateway core: it runs the
Modbus polling, MQTT/HTTP publishing, network supervision, memory
supervision, and BLE command processing components against a
filesystem-backed device/register inventory.`,
	RunE: serveRun,
}

func init() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", getenv("UHN_CONFIG_DIR", "/etc/uhn-gateway"), "directory holding devices.json/server_config.json/logging_config.json")
	rootCmd.Flags().StringVar(&retryImage, "retry-queue-image", getenv("UHN_RETRY_QUEUE_IMAGE", ""), "path to the C3 on-disk mirror (empty disables persistence)")
	rootCmd.Flags().IntVar(&obsCapacity, "obs-queue-capacity", 100, "C2 bounded queue capacity")
	rootCmd.Flags().IntVar(&retryDepth, "retry-queue-capacity", 100, "C3 aggregate bounded capacity")
	rootCmd.Flags().StringVar(&primaryIface, "primary-interface", getenv("UHN_PRIMARY_IFACE", "ethernet"), "primary network interface for C4 failback (wifi|ethernet)")
}

func main() {
	logging.Init()
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal("gateway exited with error", "error", err)
	}
}

func serveRun(cmd *cobra.Command, args []string) error {
	primary := netsup.Options{Primary: parsePrimary(primaryIface)}

	gw, err := coordinator.New(coordinator.Options{
		ConfigDir:        configDir,
		ObsQueueCapacity: obsCapacity,
		RetryQueueOpt: retryqueue.Options{
			Capacity:  retryDepth,
			ImagePath: retryImage,
		},
		NetworkOpt: primary,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return err
	}

	logging.Logger.Info("gateway started", "config_dir", configDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Logger.Info("shutting down", "signal", sig)

	cancel()
	gw.Stop()
	time.Sleep(200 * time.Millisecond)
	logging.Logger.Info("bye")
	return nil
}

func parsePrimary(s string) model.InterfaceKind {
	if s == string(model.InterfaceWiFi) {
		return model.InterfaceWiFi
	}
	return model.InterfaceEthernet
}
