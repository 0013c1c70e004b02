package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ToolSummary contains data for one row of the tool table.
type ToolSummary struct {
	Name        string
	Lane        string // main-thread or background
	Description string
}

// HostSummary contains data for the host status table.
type HostSummary struct {
	Project string
	Port    int
	PID     int
	Version string
	Status  string // reachable, unreachable, stale, missing
}

// Host prints the host status table.
func (p *Printer) Host(host HostSummary) {
	p.Section("HOST")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Project", "Port", "PID", "Host Version", "Status"})

	status := host.Status
	if p.isTTY {
		status = colorStatus(host.Status)
	}
	t.AppendRow(table.Row{host.Project, host.Port, host.PID, host.Version, status})
	t.Render()
}

// Tools prints the tool catalog table.
func (p *Printer) Tools(version int, tools []ToolSummary) {
	p.Section("TOOLS")
	p.KV("catalog", version)

	if len(tools) == 0 {
		p.Println("  (none)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Name", "Lane", "Description"})
	for _, tool := range tools {
		t.AppendRow(table.Row{tool.Name, tool.Lane, tool.Description})
	}
	t.Render()
}

func colorStatus(status string) string {
	var style lipgloss.Style
	switch status {
	case "reachable":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "stale", "missing":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(status)
}

// tableStyle returns the go-pretty style matching the theme.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	style.Format.Header = text.FormatUpper
	if !p.isTTY {
		style = table.StyleDefault
	}
	return style
}
