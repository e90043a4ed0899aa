package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/pyker/pkg/client"
)

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorInfo    = lipgloss.Color("#3B82F6")
	colorMuted   = lipgloss.Color("#9CA3AF")

	styleBold    = lipgloss.NewStyle().Bold(true)
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4"))
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

const timeLayout = "2006-01-02 15:04:05"

// statusLabel renders a status with a marker and color.
func statusLabel(status string) string {
	switch status {
	case "running":
		return lipgloss.NewStyle().Foreground(colorSuccess).Render("✓ running")
	case "starting", "stopping":
		return lipgloss.NewStyle().Foreground(colorInfo).Render("… " + status)
	case "stopped":
		return lipgloss.NewStyle().Foreground(colorError).Render("✗ stopped")
	case "errored":
		return lipgloss.NewStyle().Foreground(colorWarning).Render("⚠ errored")
	}
	return status
}

func printSuccess(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, styleSuccess.Render("[SUCCESS]")+" "+msg)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

// printProcessTable writes one row per process. Columns are padded by
// rendered width so colored cells line up.
func printProcessTable(w io.Writer, procs []client.Process) {
	if len(procs) == 0 {
		_, _ = fmt.Fprintln(w, styleMuted.Render("No processes"))
		return
	}
	header := []string{"ID", "NAME", "STATUS", "PID", "CPU%", "MEM(MB)", "RESTARTS", "STARTED", "STOPPED", "SCRIPT"}
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, []string{
			p.ID,
			p.Name,
			statusLabel(p.Status),
			formatPID(p.PID),
			fmt.Sprintf("%.1f", p.CPUPercent),
			fmt.Sprintf("%.1f", p.MemoryMB),
			fmt.Sprintf("%d/%d", p.RestartCount, p.MaxRestarts),
			formatTime(p.StartTime),
			formatTime(p.StopTime),
			p.ScriptPath,
		})
	}
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	writeRow(w, header, widths, styleBold)
	for _, r := range rows {
		writeRow(w, r, widths, lipgloss.NewStyle())
	}
}

func writeRow(w io.Writer, cells []string, widths []int, style lipgloss.Style) {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(style.Render(cell))
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
		}
	}
	_, _ = fmt.Fprintln(w, b.String())
}

func field(w io.Writer, name, value string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", styleBold.Render(name+":"), value)
}

func printProcessInfo(w io.Writer, p client.Process) {
	_, _ = fmt.Fprintln(w, styleHeader.Render("Process Information: "+p.Name))
	field(w, "ID", p.ID)
	field(w, "Status", statusLabel(p.Status))
	field(w, "PID", formatPID(p.PID))
	field(w, "Script", p.ScriptPath)
	field(w, "CPU Usage", fmt.Sprintf("%.1f%%", p.CPUPercent))
	field(w, "Memory", fmt.Sprintf("%.1f MB", p.MemoryMB))
	field(w, "Started", formatTime(p.StartTime))
	field(w, "Stopped", formatTime(p.StopTime))
	if p.ExitCode != nil {
		field(w, "Exit code", strconv.Itoa(*p.ExitCode))
	}
	field(w, "Log file", p.LogFile)
	auto := "No"
	if p.AutoRestart {
		auto = "Yes"
	}
	field(w, "Auto restart", auto)
	field(w, "Restarts", fmt.Sprintf("%d/%d", p.RestartCount, p.MaxRestarts))
	if p.Error != "" {
		field(w, "Error", lipgloss.NewStyle().Foreground(colorError).Render(p.Error))
	}
}

func printSystemInfo(w io.Writer, in client.Info) {
	_, _ = fmt.Fprintln(w, styleHeader.Render("Pyker System Information"))
	field(w, "Total processes", strconv.Itoa(in.Total))
	for _, s := range []string{"starting", "running", "stopping", "stopped", "errored"} {
		field(w, "  "+s, strconv.Itoa(in.Counts[s]))
	}
	field(w, "Supervised", strconv.Itoa(in.Supervised))
	field(w, "Interpreter", in.Interpreter)
	field(w, "Check interval", in.Monitor)
	field(w, "State file", in.StateFile)
	field(w, "Logs directory", in.LogDir)
	field(w, "Config file", in.ConfigFile)
}
