// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

var (
	inspectType    uint16
	inspectVersion uint16
	inspectBlocks  bool
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Inspect OTA firmware images",
}

var firmwareInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Load an Intel HEX file and show what nodes would receive",
	Long: `Load an Intel HEX file the way the bridge does and print its block count
and CRC. Type and version are taken from a <type>_<version>.hex file name
unless --type and --version are given.

With --blocks every 16-byte block is printed as it would appear in a
firmware response payload.`,
	Args: cobra.ExactArgs(1),
	RunE: runFirmwareInspect,
}

var firmwareListCmd = &cobra.Command{
	Use:   "list DIR",
	Short: "List the firmware catalog in a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runFirmwareList,
}

func init() {
	rootCmd.AddCommand(firmwareCmd)
	firmwareCmd.AddCommand(firmwareInspectCmd, firmwareListCmd)
	firmwareInspectCmd.Flags().Uint16Var(&inspectType, "type", 0, "Firmware type")
	firmwareInspectCmd.Flags().Uint16Var(&inspectVersion, "version", 0, "Firmware version")
	firmwareInspectCmd.Flags().BoolVar(&inspectBlocks, "blocks", false, "Dump every block")
}

func runFirmwareInspect(cmd *cobra.Command, args []string) error {
	path := args[0]

	key, ok := firmware.ParseFileName(filepath.Base(path))
	if cmd.Flags().Changed("type") || !ok {
		key.Type = inspectType
	}
	if cmd.Flags().Changed("version") || !ok {
		key.Version = inspectVersion
	}

	img, err := firmware.Load(path, key.Type, key.Version)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File:     %s\n", path)
	fmt.Fprintf(out, "Firmware: %s\n", key)
	fmt.Fprintf(out, "Base:     0x%08X\n", img.Base)
	fmt.Fprintf(out, "Size:     %d bytes (padded)\n", img.Size())
	fmt.Fprintf(out, "Blocks:   %d x %d bytes\n", img.BlockCount(), firmware.BlockSize)
	fmt.Fprintf(out, "CRC:      0x%04X\n", img.CRC)

	if inspectBlocks {
		fmt.Fprintln(out)
		for n := uint16(0); n < img.BlockCount(); n++ {
			block, _ := img.Block(n)
			fmt.Fprintf(out, "%5d  %s\n", n, mysensors.EncodeBinary(block))
		}
	}
	return nil
}

func runFirmwareList(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog, err := firmware.LoadDir(args[0], logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if catalog.Len() == 0 && len(catalog.Failed()) == 0 {
		fmt.Fprintln(out, "(no firmware images)")
	}
	for _, key := range catalog.Keys() {
		img, _ := catalog.Lookup(key.Type, key.Version)
		fmt.Fprintf(out, "%-10s  blocks=%-5d crc=0x%04X\n", key, img.BlockCount(), img.CRC)
	}
	for _, key := range catalog.Failed() {
		_, err := catalog.Lookup(key.Type, key.Version)
		fmt.Fprintf(out, "%-10s  ERROR %v\n", key, err)
	}
	return nil
}
