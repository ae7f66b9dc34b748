// Command devsim is a Modbus slave simulator for exercising C6's
// pollers against a real wire instead of a fake transport. It reads
// the same on-disk device/register inventory a running gateway would
// (internal/config.Store) and seeds a simulated slave's register map
// from it, so a developer can point a gateway's devices.json at
// 127.0.0.1 and watch real poll cycles land in C2/C7 without hardware.
//
// Grounded on the teacher's cmd/tools/mb-sim (TCP, github.com/tbrandon/
// mbserver) and cmd/tools/rtu-sim (RTU, github.com/womat/mbserver +
// github.com/goburrow/serial), merged into one cobra command tree
// driven by this gateway's Device/Register model instead of the
// teacher's bus/catalog config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fisaks/uhn-gateway/internal/config"
	"github.com/fisaks/uhn-gateway/internal/model"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "devsim",
	Short: "Simulate a Modbus slave from a gateway's device/register inventory",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "/etc/uhn-gateway", "directory holding devices.json")
	rootCmd.AddCommand(tcpCmd)
	rootCmd.AddCommand(rtuCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadDevices(protocol model.ProtocolKind) ([]model.DeviceView, error) {
	store := config.New(config.Paths{Dir: configDir})
	if _, err := store.Recover(); err != nil {
		return nil, fmt.Errorf("wal recovery: %w", err)
	}
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	views, err := store.GetAllDevicesWithRegisters(false)
	if err != nil {
		return nil, err
	}
	var out []model.DeviceView
	for _, v := range views {
		if v.Protocol == protocol {
			out = append(out, v)
		}
	}
	return out, nil
}

// seedValue picks a deterministic, non-zero raw register value so a
// poll cycle produces a visibly distinct reading per register without
// needing per-register CLI flags.
func seedValue(index int) uint16 {
	return uint16(100 + index*7%900)
}
