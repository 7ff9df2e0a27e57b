package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProgress(),
		m.renderProcTable(),
	}
	if m.errorCount > 0 {
		sections = append(sections, m.renderErrors())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" procrun │ Live: %d │ Reaped: %d/%d │ Elapsed: %s ",
		m.Live(),
		m.reaped,
		len(m.procs),
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.Progress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	var status string
	if progress >= 1.0 {
		status = statusOK.Render("✓ All processes done")
	} else {
		status = statusInfo.Render(fmt.Sprintf("Running... %d live", m.Live()))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Progress"),
		RenderProgressBar(progress, barWidth),
		status,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Process Table
// =============================================================================

func (m Model) renderProcTable() string {
	if len(m.procs) == 0 {
		return boxStyle.Width(m.width - 2).Render(dimStyle.Render("No processes in spec."))
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-5s %-20s %-8s %-10s %-10s %-12s",
			"IDX", "PROGRAM", "PID", "STATE", "ELAPSED", "RESULT"),
	)

	maxRows := m.height - 14
	if maxRows < 5 {
		maxRows = 5
	}

	var rows []string
	for i, p := range m.procs {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more processes", len(m.procs)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		pid := "-"
		if p.pid > 0 {
			pid = fmt.Sprintf("%d", p.pid)
		}

		row := rowStyle.Render(fmt.Sprintf("%-5d %-20s %-8s ", i, truncate(filepath.Base(p.argv0), 20), pid)) +
			GetStateStyle(p.state).Render(fmt.Sprintf("%-10s", p.state)) +
			rowStyle.Render(fmt.Sprintf(" %-10s ", formatElapsed(m.elapsedOf(p)))) +
			GetOutcomeStyle(p.outcome).Render(p.detail)
		rows = append(rows, row)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Processes"), header}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Errors
// =============================================================================

func (m Model) renderErrors() string {
	rows := []string{RenderKeyValue("Errors", fmt.Sprintf("%d", m.errorCount))}
	for _, e := range m.errors {
		rows = append(rows, statusError.Render(truncate(e, m.width-6)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Errors")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	left := dimStyle.Render("q: close dashboard")

	right := "Spec: " + m.specPath
	if m.metricsAddr != "" {
		right += " │ Metrics: " + m.metricsAddr
	}
	right = dimStyle.Render(right)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
