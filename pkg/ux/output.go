// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders human-facing CLI output.
//
// Output goes to an explicit writer. When the writer is a terminal the
// text is styled with lipgloss; otherwise each line is plain
// "KEY: value" text suitable for scripts and CI logs.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status marker printed before a line.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Styles holds the lipgloss styles bound to one output renderer.
type Styles struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}

// NewStyles builds the styles for r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:   r.NewStyle().Bold(true).Foreground(ColorAccent),
		Key:     r.NewStyle().Foreground(ColorPrimary),
		Muted:   r.NewStyle().Foreground(ColorMuted),
		Success: r.NewStyle().Foreground(ColorAccent),
		Warning: r.NewStyle().Foreground(ColorWarning),
		Error:   r.NewStyle().Foreground(ColorError),
		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1),
	}
}

// Printer writes styled or plain lines to one writer.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	plain  bool
	styles Styles
}

// NewPrinter returns a printer for w. Styling is enabled only when w is
// a terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w:      w,
		plain:  !IsTerminal(w) || os.Getenv("NO_COLOR") != "",
		styles: NewStyles(lipgloss.NewRenderer(w)),
	}
}

// NewPlainPrinter returns a printer that never styles its output.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true, styles: NewStyles(lipgloss.NewRenderer(w))}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Plain reports whether styling is disabled.
func (p *Printer) Plain() bool {
	return p.plain
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "== %s ==\n", text)
		return
	}
	fmt.Fprintln(p.w, p.styles.Title.Render(text))
}

// Field prints an aligned key/value pair.
func (p *Printer) Field(key string, value any) {
	if p.plain {
		fmt.Fprintf(p.w, "%s: %v\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "  %s %v\n", p.styles.Key.Render(fmt.Sprintf("%-14s", key)), value)
}

// Status prints a line prefixed with icon.
func (p *Printer) Status(icon Icon, text string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s %s\n", label(icon), text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(icon), text)
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.Status(IconSuccess, text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.Status(IconWarning, text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.Status(IconError, text) }

// Muted prints secondary text. Plain printers print it unchanged.
func (p *Printer) Muted(text string) {
	if p.plain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, p.styles.Muted.Render(text))
}

// Box prints content in a bordered box under title.
func (p *Printer) Box(title string, lines ...string) {
	if p.plain {
		p.Title(title)
		for _, l := range lines {
			fmt.Fprintln(p.w, l)
		}
		return
	}
	body := p.styles.Title.Render(title)
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	fmt.Fprintln(p.w, p.styles.Box.Render(body))
}

func (p *Printer) render(icon Icon) string {
	switch icon {
	case IconSuccess:
		return p.styles.Success.Render(string(icon))
	case IconWarning:
		return p.styles.Warning.Render(string(icon))
	case IconError:
		return p.styles.Error.Render(string(icon))
	case IconPending:
		return p.styles.Muted.Render(string(icon))
	default:
		return string(icon)
	}
}

func label(icon Icon) string {
	switch icon {
	case IconSuccess:
		return "OK:"
	case IconWarning:
		return "WARN:"
	case IconError:
		return "ERROR:"
	case IconPending:
		return "PENDING:"
	default:
		return "-"
	}
}

// IDs formats shard ids as "0, 3, 7", or "none".
func IDs(ids []int) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
