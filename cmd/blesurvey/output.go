package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var validFormats = []string{"table", "json"}

// palette colours table cells; every colour is disabled when output is not a terminal
type palette struct {
	ok   *color.Color
	bad  *color.Color
	dim  *color.Color
	head *color.Color
}

func newPalette(w io.Writer, mode string) (*palette, error) {
	p := &palette{
		ok:   color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		dim:  color.New(color.FgHiBlack),
		head: color.New(color.Bold),
	}

	var enabled bool
	switch mode {
	case "always":
		enabled = true
	case "never":
		enabled = false
	case "auto", "":
		f, ok := w.(*os.File)
		enabled = ok && term.IsTerminal(int(f.Fd()))
	default:
		return nil, fmt.Errorf("invalid color mode: %s (must be auto, always, or never)", mode)
	}

	for _, c := range []*color.Color{p.ok, p.bad, p.dim, p.head} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p, nil
}

func validateFormat(format string) error {
	for _, f := range validFormats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid format: %s (must be table or json)", format)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func orDash[T any](p *T, format func(T) string) string {
	if p == nil {
		return "-"
	}
	return format(*p)
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
