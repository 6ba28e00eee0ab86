// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the hostops CLI.
//
// A Printer renders either rich output (colors, icons, bordered tables) for
// a human at a terminal or plain tab-separated output for scripts. ModeAuto
// picks rich output only when the destination is a terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Mode
// =============================================================================

// Mode selects how a Printer renders.
type Mode int

const (
	// ModeAuto renders rich output on a terminal and plain output otherwise.
	ModeAuto Mode = iota
	// ModeRich always renders colors and bordered tables.
	ModeRich
	// ModePlain renders tab-separated text suitable for scripting.
	ModePlain
)

// ParseMode converts a --output flag value.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "rich", "pretty":
		return ModeRich, nil
	case "plain", "machine":
		return ModePlain, nil
	default:
		return ModeAuto, fmt.Errorf("unknown output mode %q (want auto, rich or plain)", s)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled CLI output to one destination.
type Printer struct {
	w    io.Writer
	rich bool
}

// NewPrinter creates a Printer. With ModeAuto, output is rich only when w
// is a terminal.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	rich := mode == ModeRich
	if mode == ModeAuto {
		if f, ok := w.(*os.File); ok {
			rich = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &Printer{w: w, rich: rich}
}

// Rich reports whether the printer styles its output.
func (p *Printer) Rich() bool { return p.rich }

// Title prints a section heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if !p.rich {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if !p.rich {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if !p.rich {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if !p.rich {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Text prints raw text followed by a newline.
func (p *Printer) Text(text string) {
	fmt.Fprintln(p.w, strings.TrimRight(text, "\n"))
}

// Status renders a status cell. Rich output prefixes an icon.
func (p *Printer) Status(text string, icon Icon) string {
	if !p.rich {
		return text
	}
	return icon.Render() + " " + text
}

// Table prints rows under headers.
//
// # Description
//
// Rich output is a rounded lipgloss table. Plain output is one
// tab-separated line per row with the header first, so that the result
// can be piped through cut or awk.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.rich {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.w, t.Render())
}

// KeyValues prints label/value pairs in order. Rich output aligns the
// labels; plain output is "label<TAB>value".
func (p *Printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		if !p.rich {
			fmt.Fprintf(p.w, "%s\t%s\n", kv[0], kv[1])
			continue
		}
		label := Styles.Muted.Render(fmt.Sprintf("%-*s", width, kv[0]))
		fmt.Fprintf(p.w, "  %s  %s\n", label, kv[1])
	}
}
