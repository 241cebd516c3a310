// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/checksum"
)

var (
	checksumStrategy string
	checksumVerify   bool
	checksumLittle   bool
)

var checksumCmd = &cobra.Command{
	Use:   "checksum [hex bytes...]",
	Short: "Compute a checksum over hex input",
	Long: `Compute a checksum strategy over bytes given in hex.

Bytes may be given as one string or as separate arguments, with or without
spaces and 0x prefixes:
  robolink checksum --strategy xor16 07 01 0B 00 FF FF
  robolink checksum --strategy crc16-ccitt 313233343536373839

With --verify the trailing checksum bytes are split off and compared
against the checksum of the rest. They are read big-endian unless
--little-endian is given (LMS2xx frames).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChecksum,
}

func init() {
	rootCmd.AddCommand(checksumCmd)
	checksumCmd.Flags().StringVar(&checksumStrategy, "strategy", "xor16",
		"Checksum strategy ("+strings.Join(checksum.Names(), ", ")+")")
	checksumCmd.Flags().BoolVar(&checksumVerify, "verify", false, "Verify the trailing checksum bytes")
	checksumCmd.Flags().BoolVar(&checksumLittle, "little-endian", false, "Trailing checksum is little-endian")
}

// parseHex accepts hex bytes with optional spaces, commas and 0x prefixes.
func parseHex(args []string) ([]byte, error) {
	joined := strings.Join(args, "")
	joined = strings.NewReplacer(" ", "", ",", "", "0x", "", "0X", "").Replace(joined)
	data, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}

func runChecksum(cmd *cobra.Command, args []string) error {
	strategy, err := checksum.ByName(checksumStrategy)
	if err != nil {
		return err
	}
	data, err := parseHex(args)
	if err != nil {
		return err
	}

	if !checksumVerify {
		fmt.Printf("%s: 0x%0*X\n", strategy.Name(), strategy.Size()*2, strategy.Sum(data))
		return nil
	}

	size := strategy.Size()
	if len(data) < size {
		return fmt.Errorf("need at least %d bytes to verify", size)
	}
	body, trailer := data[:len(data)-size], data[len(data)-size:]
	var got uint16
	for i := range trailer {
		b := trailer[i]
		if checksumLittle {
			b = trailer[len(trailer)-1-i]
		}
		got = got<<8 | uint16(b)
	}
	want := strategy.Sum(body)
	if got != want {
		return fmt.Errorf("%s mismatch: computed 0x%0*X, frame carries 0x%0*X", strategy.Name(), size*2, want, size*2, got)
	}
	fmt.Printf("%s: 0x%0*X OK\n", strategy.Name(), size*2, want)
	return nil
}
