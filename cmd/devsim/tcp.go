package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tbrandon/mbserver"

	"github.com/fisaks/uhn-gateway/internal/model"
)

var tcpListen string

var tcpCmd = &cobra.Command{
	Use:   "tcp",
	Short: "Run a Modbus TCP slave seeded from every tcp-protocol device in the inventory",
	RunE:  runTCPSim,
}

func init() {
	tcpCmd.Flags().StringVar(&tcpListen, "listen", ":1502", "TCP listen address for the simulated slave")
}

// runTCPSim is grounded directly on the teacher's cmd/tools/mb-sim/main.go
// (mbserver.NewServer + ListenTCP), generalized from a handful of
// hardcoded coils to every register of every TCP device this gateway's
// inventory defines, one holding/input register slot per device.Register,
// addressed at reg.Address the same way a real slave would expose it.
func runTCPSim(cmd *cobra.Command, args []string) error {
	devices, err := loadDevices(model.ProtocolTCP)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no tcp-protocol devices found under %s", configDir)
	}

	srv := mbserver.NewServer()
	defer srv.Close()

	idx := 0
	for _, d := range devices {
		for _, r := range d.Registers {
			v := seedValue(idx)
			idx++
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
		fmt.Printf("seeded device %s (%s) with %d registers\n", d.DeviceId, d.Name, len(d.Registers))
	}

	if err := srv.ListenTCP(tcpListen); err != nil {
		return fmt.Errorf("listen tcp %s: %w", tcpListen, err)
	}
	fmt.Printf("modbus TCP slave listening on %s (ctrl-c to stop)\n", tcpListen)
	select {}
}
