// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

var decodeStats bool

var decodeCmd = &cobra.Command{
	Use:   "decode [LINE...]",
	Short: "Decode MySensors frames in human-readable format",
	Long: `Decode serial protocol lines and print them with sub-type names.

Lines are taken from the arguments, or read from stdin when none are given,
for example from a captured gateway log:

  mysbridge decode '5;1;1;0;0;23.4'
  cat gateway.log | mysbridge decode --stats`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVar(&decodeStats, "stats", false, "Print frame statistics at the end")
}

func runDecode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	stats := mysensors.NewStatistics()

	report := func(line string, err error) {
		if err != nil {
			stats.Update(mysensors.Message{}, err)
			fmt.Fprintf(out, "[ERROR] %v\n", err)
			return
		}
		msg, err := mysensors.Decode(line)
		stats.Update(msg, err)
		if err != nil {
			fmt.Fprintf(out, "[ERROR] %v\n", err)
			return
		}
		fmt.Fprintln(out, mysensors.FormatMessage(msg))
	}

	if len(args) > 0 {
		for _, line := range args {
			report(line, nil)
		}
	} else {
		framer := mysensors.NewFramer()
		buf := make([]byte, 4096)
		in := cmd.InOrStdin()
		for {
			n, err := in.Read(buf)
			framer.Write(buf[:n], report)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}
		// A final line without a newline
		if framer.Pending() > 0 {
			framer.Write([]byte{'\n'}, report)
		}
	}

	if decodeStats {
		stats.CalculateRates()
		fmt.Fprintln(cmd.ErrOrStderr())
		fmt.Fprint(cmd.ErrOrStderr(), stats.String())
	}
	if stats.Errors() > 0 && stats.ValidFrames == 0 {
		return fmt.Errorf("no valid frames")
	}
	return nil
}
