package stats

// This file implements the exit summary printed with --summary.

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// RunID tags the run.
	RunID string

	// Duration is the total run duration
	Duration time.Duration

	// PeakLive is the most processes alive at once (0 if unknown)
	PeakLive int

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// Styled colors headings and outcomes.
	Styled bool
}

var (
	headingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

const rule = "───────────────────────────────────────────────────────────────────────────────"

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// WriteSummary formats s and writes it to w.
func WriteSummary(w io.Writer, s *RunStats, cfg SummaryConfig) error {
	_, err := io.WriteString(w, FormatExitSummary(s, cfg))
	return err
}

// FormatExitSummary formats run stats for display at program exit.
func FormatExitSummary(s *RunStats, cfg SummaryConfig) string {
	paint := func(st lipgloss.Style, text string) string {
		if !cfg.Styled {
			return text
		}
		return st.Render(text)
	}
	section := func(b *strings.Builder, title string) {
		b.WriteString(rule + "\n")
		fmt.Fprintf(b, "  %s\n", paint(headingStyle, title))
		b.WriteString(rule + "\n\n")
	}

	var b strings.Builder
	b.WriteString("\n")
	section(&b, "procrun Exit Summary")

	// Run info
	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Processes:              %d\n", s.Procs)
	if cfg.PeakLive > 0 {
		fmt.Fprintf(&b, "Peak Live:              %d\n", cfg.PeakLive)
	}
	b.WriteString("\n")

	// Outcomes
	section(&b, "Outcomes")
	fmt.Fprintf(&b, "  %-20s %s\n", "Exited cleanly", paint(okStyle, fmt.Sprint(s.Exited)))
	fmt.Fprintf(&b, "  %-20s %s\n", "Non-zero exit", colorCount(paint, warnStyle, s.Failed))
	fmt.Fprintf(&b, "  %-20s %s\n", "Killed by signal", colorCount(paint, warnStyle, s.Signaled))
	if codes := s.SortedExitCodes(); len(codes) > 0 {
		b.WriteString("\n  Exit codes:\n")
		for _, code := range codes {
			fmt.Fprintf(&b, "    %3d %-12s %d\n", code, exitCodeLabel(code), s.ExitCodes[code])
		}
	}
	if sigs := s.SortedSignals(); len(sigs) > 0 {
		b.WriteString("\n  Signals:\n")
		for _, sig := range sigs {
			fmt.Fprintf(&b, "    %3d %-12s %d\n", sig, syscall.Signal(sig).String(), s.Signals[sig])
		}
	}
	b.WriteString("\n")

	// Timing
	if s.Procs > 0 {
		section(&b, "Resource Usage")
		el, cpu := s.Elapsed(), s.CPU()
		fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "", "p50", "p95", "p99", "max")
		b.WriteString("  " + strings.Repeat("─", 56) + "\n")
		fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "Wall time",
			FormatMs(el.P50), FormatMs(el.P95), FormatMs(el.P99), FormatMs(el.Max))
		fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "CPU time",
			FormatMs(cpu.P50), FormatMs(cpu.P95), FormatMs(cpu.P99), FormatMs(cpu.Max))
		if s.PeakRSSIdx >= 0 {
			fmt.Fprintf(&b, "\n  Peak RSS:             %s (procs[%d])\n", FormatBytes(s.PeakRSS*1024), s.PeakRSSIdx)
		}
		if s.CapturedBytes > 0 {
			fmt.Fprintf(&b, "  Captured:             %s\n", FormatBytes(s.CapturedBytes))
		}
		b.WriteString("\n")
	}

	// Errors
	section(&b, "Errors")
	if s.Errors == 0 {
		fmt.Fprintf(&b, "  %s\n", paint(okStyle, "none"))
	} else {
		fmt.Fprintf(&b, "  %-20s %s\n", "Recorded", paint(errStyle, fmt.Sprint(s.Errors)))
		if s.ProcErrors > 0 {
			fmt.Fprintf(&b, "  %-20s %d\n", "Attributed to procs", s.ProcErrors)
		}
	}
	b.WriteString("\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics were served at http://%s/metrics\n\n", cfg.MetricsAddr)
	}
	return b.String()
}

func colorCount(paint func(lipgloss.Style, string) string, st lipgloss.Style, n int) string {
	if n == 0 {
		return "0"
	}
	return paint(st, fmt.Sprint(n))
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 64:
		return "(usage)"
	case 65:
		return "(data)"
	case 71:
		return "(launch)"
	case 126:
		return "(not exec)"
	case 127:
		return "(not found)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
