// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package packet

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")

	var result string
	if p.HasID() {
		result = fmt.Sprintf("[%s] %s id=0x%02X len=%d\n", timestamp, p.protocol, p.ID(), p.DataLength())
	} else {
		result = fmt.Sprintf("[%s] %s len=%d\n", timestamp, p.protocol, p.DataLength())
	}

	if p.DataLength() == 0 {
		return result + "  (no payload)\n"
	}
	return result + HexDump(p.Body(), "  ")
}

// HexDump formats data as rows of 16 hex bytes followed by their printable
// ASCII, each row prefixed with indent.
func HexDump(data []byte, indent string) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]

		fmt.Fprintf(&sb, "%s%04X  ", indent, off)
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(&sb, "%02X ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")
		for _, c := range row {
			if c >= 0x20 && c < 0x7F {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatHex formats bytes as space separated hex pairs.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
