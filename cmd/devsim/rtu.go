package main

import (
	"fmt"
	"time"

	"github.com/goburrow/serial"
	"github.com/spf13/cobra"
	"github.com/womat/mbserver"

	"github.com/fisaks/uhn-gateway/internal/model"
)

var (
	rtuPort     string
	rtuBaud     int
	rtuParity   string
	rtuStopBits int
)

var rtuCmd = &cobra.Command{
	Use:   "rtu",
	Short: "Run a Modbus RTU slave seeded from every rtu-protocol device sharing --serial-port",
	RunE:  runRTUSim,
}

func init() {
	rtuCmd.Flags().StringVar(&rtuPort, "serial-port", "", "serial device path matching the inventory's device.serial_port (required)")
	rtuCmd.Flags().IntVar(&rtuBaud, "baud", 9600, "baud rate, used if a device omits one")
	rtuCmd.Flags().StringVar(&rtuParity, "parity", "N", "parity, used if a device omits one")
	rtuCmd.Flags().IntVar(&rtuStopBits, "stop-bits", 1, "stop bits, used if a device omits one")
	_ = rtuCmd.MarkFlagRequired("serial-port")
}

// runRTUSim mirrors the teacher's cmd/tools/rtu-sim/sim.go: open the
// serial port via goburrow/serial, build one womat/mbserver.Server per
// bus, register every non-default slave unit id with NewDevice, then
// ListenRTU on the opened port. Generalized from the teacher's
// bus/catalog config to filtering this gateway's device inventory by
// device.SerialPort.
func runRTUSim(cmd *cobra.Command, args []string) error {
	devices, err := loadDevices(model.ProtocolRTU)
	if err != nil {
		return err
	}
	var bus []model.DeviceView
	for _, d := range devices {
		if d.SerialPort == rtuPort {
			bus = append(bus, d)
		}
	}
	if len(bus) == 0 {
		return fmt.Errorf("no rtu-protocol device with serial_port %q under %s", rtuPort, configDir)
	}

	srv := mbserver.NewServer()

	idx := 0
	for _, d := range bus {
		unit := d.SlaveUnitId
		if unit != 1 {
			if err := srv.NewDevice(unit); err != nil {
				return fmt.Errorf("new simulated device unit %d: %w", unit, err)
			}
		}
		for _, r := range d.Registers {
			v := seedValue(idx)
			idx++
			if unit == 1 {
				seedServerRegister(srv, r, v)
			} else if target, ok := srv.Devices[unit]; ok {
				seedDeviceRegister(target, r, v)
			}
		}
		fmt.Printf("seeded device %s (%s) unit=%d with %d registers\n", d.DeviceId, d.Name, unit, len(d.Registers))
	}

	baud, parity, stopBits := rtuBaud, rtuParity, rtuStopBits
	if bus[0].Baud != 0 {
		baud = bus[0].Baud
	}
	if bus[0].Parity != "" {
		parity = string(bus[0].Parity)
	}
	if bus[0].StopBits != 0 {
		stopBits = bus[0].StopBits
	}

	port, err := serial.Open(&serial.Config{
		Address:  rtuPort,
		BaudRate: baud,
		DataBits: 8,
		StopBits: stopBits,
		Parity:   parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", rtuPort, err)
	}
	defer port.Close()

	if err := srv.ListenRTU(port); err != nil {
		return fmt.Errorf("listen rtu: %w", err)
	}
	fmt.Printf("modbus RTU slave listening on %s for %d device(s) (ctrl-c to stop)\n", rtuPort, len(bus))
	select {}
}

// seedServerRegister writes a raw reading into unit 1's register maps
// (the default unit womat/mbserver.Server itself represents).
func seedServerRegister(srv *mbserver.Server, r model.Register, v uint16) {
	switch r.Function {
	case model.FCReadHoldingRegisters:
		srv.HoldingRegisters[r.Address] = v
	case model.FCReadInputRegisters:
		srv.InputRegisters[r.Address] = v
	case model.FCReadCoils:
		srv.Coils[r.Address] = byte(v % 2)
	case model.FCReadDiscreteInputs:
		srv.DiscreteInputs[r.Address] = byte(v % 2)
	}
}

// seedDeviceRegister is the same assignment against a non-default
// slave unit registered via srv.NewDevice.
func seedDeviceRegister(dev *mbserver.Device, r model.Register, v uint16) {
	switch r.Function {
	case model.FCReadHoldingRegisters:
		dev.HoldingRegisters[r.Address] = v
	case model.FCReadInputRegisters:
		dev.InputRegisters[r.Address] = v
	case model.FCReadCoils:
		dev.Coils[r.Address] = byte(v % 2)
	case model.FCReadDiscreteInputs:
		dev.DiscreteInputs[r.Address] = byte(v % 2)
	}
}
