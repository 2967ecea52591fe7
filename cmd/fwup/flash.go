package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tocurd/go-fwup/flash"
)

var flashFlags struct {
	bus  busFlags
	addr uint32
	size uint32
	out  string
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Talk to the SPI flash directly",
}

var flashIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the JEDEC ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(func(dev *flash.Device) error {
			id, err := dev.ReadID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var flashDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Read flash contents as a hex dump, or raw into --out",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(func(dev *flash.Device) error {
			data, err := dev.Read(flashFlags.addr, int(flashFlags.size))
			if err != nil {
				return err
			}
			if flashFlags.out != "" {
				return errors.Wrap(os.WriteFile(flashFlags.out, data, 0o644), "write dump")
			}
			d := hex.Dumper(cmd.OutOrStdout())
			defer d.Close()
			_, err = d.Write(data)
			return err
		})
	},
}

var flashEraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase every sector touched by [--addr, --addr+--len)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(func(dev *flash.Device) error {
			a0, a1 := flash.SectorSpan(flashFlags.addr, flashFlags.size)
			logrus.WithFields(logrus.Fields{
				"start": fmt.Sprintf("0x%06X", a0),
				"end":   fmt.Sprintf("0x%06X", a1),
			}).Info("erasing")
			return dev.EraseRange(flashFlags.addr, flashFlags.size)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{flashIDCmd, flashDumpCmd, flashEraseCmd} {
		flashFlags.bus.register(c)
		flashCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{flashDumpCmd, flashEraseCmd} {
		c.Flags().Uint32Var(&flashFlags.addr, "addr", 0, "start address")
		c.Flags().Uint32Var(&flashFlags.size, "len", flash.SectorSize, "number of bytes")
	}
	flashDumpCmd.Flags().StringVarP(&flashFlags.out, "out", "o", "", "write raw bytes to this file")
	rootCmd.AddCommand(flashCmd)
}

func withFlash(fn func(dev *flash.Device) error) error {
	dev, closeBus, err := flashFlags.bus.open(logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer closeBus()
	return fn(dev)
}
