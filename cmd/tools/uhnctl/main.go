// Command uhnctl is a local provisioning CLI for the Configuration
// Store (C1): since the BLE CRUD transport (spec §6) is an external,
// out-of-scope collaborator, this tool operates the same create/list/
// delete operations directly against the on-disk devices.json/
// server_config.json files, for provisioning a gateway or inspecting
// its inventory from a workstation or CI job. Rewritten from the
// teacher's flag-based cmd/tools/uhnctl (a single "push" subcommand
// that published a raw MQTT command) into a cobra command tree
// modeled on rustyeddy-otto's cmd/ottoctl, with every verb in this file.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fisaks/uhn-gateway/internal/config"
	"github.com/fisaks/uhn-gateway/internal/model"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "uhnctl",
	Short: "Inspect and provision a uhn-gateway device/register inventory",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "/etc/uhn-gateway", "directory holding devices.json/server_config.json")
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(configShowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore runs the WAL recovery + load sequence the coordinator
// normally sequences at startup (spec §4.9), since this tool is a
// one-shot process rather than a long-running one.
func openStore() (*config.Store, error) {
	store := config.New(config.Paths{Dir: configDir})
	if _, err := store.Recover(); err != nil {
		return nil, fmt.Errorf("wal recovery: %w", err)
	}
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return store, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "List, create, or delete devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all devices with their registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		views, err := store.GetAllDevicesWithRegisters(false)
		if err != nil {
			return err
		}
		printJSON(views)
		return nil
	},
}

var (
	devName       string
	devProtocol   string
	devSerialPort string
	devBaud       int
	devIP         string
	devPort       int
	devSlaveId    uint8
	devRefreshMs  int
	devTimeoutMs  int
	devRetry      int
)

var deviceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		cfg := model.Device{
			Name:        devName,
			Protocol:    model.ProtocolKind(devProtocol),
			SerialPort:  devSerialPort,
			Baud:        devBaud,
			IPAddress:   devIP,
			Port:        devPort,
			SlaveUnitId: devSlaveId,
			RefreshMs:   devRefreshMs,
			TimeoutMs:   devTimeoutMs,
			RetryCount:  devRetry,
			Enabled:     true,
		}
		id, err := store.CreateDevice(cfg)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var deviceRmCmd = &cobra.Command{
	Use:   "rm <device-id>",
	Short: "Delete a device and its registers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.DeleteDevice(model.DeviceId(args[0]))
	},
}

func init() {
	deviceAddCmd.Flags().StringVar(&devName, "name", "", "device name (required)")
	deviceAddCmd.Flags().StringVar(&devProtocol, "protocol", "rtu", "rtu|tcp")
	deviceAddCmd.Flags().StringVar(&devSerialPort, "serial-port", "", "RTU serial port")
	deviceAddCmd.Flags().IntVar(&devBaud, "baud", 9600, "RTU baud rate")
	deviceAddCmd.Flags().StringVar(&devIP, "ip", "", "TCP device IP address")
	deviceAddCmd.Flags().IntVar(&devPort, "port", 502, "TCP device port")
	deviceAddCmd.Flags().Uint8Var(&devSlaveId, "slave-id", 1, "Modbus slave/unit id")
	deviceAddCmd.Flags().IntVar(&devRefreshMs, "refresh-ms", 5000, "refresh period in milliseconds")
	deviceAddCmd.Flags().IntVar(&devTimeoutMs, "timeout-ms", 1000, "per-request timeout in milliseconds")
	deviceAddCmd.Flags().IntVar(&devRetry, "retry", 3, "retry count before marking a poll failed")
	_ = deviceAddCmd.MarkFlagRequired("name")

	deviceCmd.AddCommand(deviceListCmd, deviceAddCmd, deviceRmCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create or delete registers on a device",
}

var (
	regDeviceId string
	regName     string
	regAddress  uint16
	regFunction int
	regType     string
	regScale    float64
	regOffset   float64
	regUnit     string
	regDecimals int
)

var registerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a register on a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		cfg := model.Register{
			Name:     regName,
			Address:  regAddress,
			Function: model.FunctionCode(regFunction),
			DataType: model.DataType(regType),
			Scale:    regScale,
			Offset:   regOffset,
			Unit:     regUnit,
			Decimals: regDecimals,
		}
		id, err := store.CreateRegister(model.DeviceId(regDeviceId), cfg)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var registerRmCmd = &cobra.Command{
	Use:   "rm <device-id> <register-id>",
	Short: "Delete a register",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.DeleteRegister(model.DeviceId(args[0]), model.RegisterId(args[1]))
	},
}

func init() {
	registerAddCmd.Flags().StringVar(&regDeviceId, "device-id", "", "owning device id (required)")
	registerAddCmd.Flags().StringVar(&regName, "name", "", "register name (required)")
	registerAddCmd.Flags().Uint16Var(&regAddress, "address", 0, "Modbus register address")
	registerAddCmd.Flags().IntVar(&regFunction, "function", 3, "Modbus function code (1,2,3,4)")
	registerAddCmd.Flags().StringVar(&regType, "type", "uint16", "data type (uint16|int16|bool|int32|uint32|int64|uint64|float32|float64)")
	registerAddCmd.Flags().Float64Var(&regScale, "scale", 1.0, "calibration scale")
	registerAddCmd.Flags().Float64Var(&regOffset, "offset", 0.0, "calibration offset")
	registerAddCmd.Flags().StringVar(&regUnit, "unit", "", "engineering unit string")
	registerAddCmd.Flags().IntVar(&regDecimals, "decimals", -1, "decimals to round to, -1 for auto")
	_ = registerAddCmd.MarkFlagRequired("device-id")
	_ = registerAddCmd.MarkFlagRequired("name")

	registerCmd.AddCommand(registerAddCmd, registerRmCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "config-show",
	Short: "Print the server and logging configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		printJSON(struct {
			Server  model.ServerConfig  `json:"server"`
			Logging model.LoggingConfig `json:"logging"`
		}{store.GetServerConfig(), store.GetLoggingConfig()})
		return nil
	},
}
