// Package slogext provides slog helpers.
package slogext

import (
	"fmt"
	"log/slog"
	"strings"
)

// Hex implements slog.LogValuer for guest addresses and words.
type Hex uint64

func (v Hex) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("0x%x", uint64(v)))
}

// Hexes implements slog.LogValuer for a list of guest words.
type Hexes []uint64

func (v Hexes) LogValue() slog.Value {
	var buf strings.Builder
	buf.WriteByte('[')
	for i, w := range v {
		if i != 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "0x%x", w)
	}
	buf.WriteByte(']')
	return slog.StringValue(buf.String())
}

// OrDiscard returns log, or a logger that discards all records if log is
// nil.
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return log
}
