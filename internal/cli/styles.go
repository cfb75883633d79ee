package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/labor-dispatch/internal/config"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			Border(lipgloss.DoubleBorder()).
			Padding(0, 2)

	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Width(20)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
)

func row(label string, value any) string {
	return "  " + labelStyle.Render(label) + fmt.Sprint(value)
}

// renderStatus 組出 status 命令的輸出；stats 為 nil 時顯示連線錯誤
func renderStatus(path string, cfg *config.Config, stats *dispatch.Stats, statErr error) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Labor Dispatch Status"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Configuration"))
	b.WriteString("\n")
	for _, line := range []string{
		row("Config File:", path),
		row("HTTP / gRPC:", cfg.Server.HTTPAddr+" / "+cfg.Server.GRPCAddr),
		row("Store:", cfg.Store.Backend),
		row("Directory:", cfg.Directory.Backend),
		row("Radius:", fmt.Sprintf("%.1f km", cfg.Dispatch.RadiusKm)),
		row("Offer Timeout:", cfg.Dispatch.OfferTimeout),
		row("Retry Cooldown:", cfg.Dispatch.RetryCooldown),
		row("Tracking Window:", cfg.Dispatch.TrackingWindow),
	} {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Dispatch"))
	b.WriteString("\n")
	if stats == nil {
		msg := "service not reachable (run 'labor-dispatch run' to start)"
		if statErr != nil {
			msg = fmt.Sprintf("service not reachable: %v", statErr)
		}
		b.WriteString("  " + errorStyle.Render(msg) + "\n")
		return b.String()
	}

	for _, line := range []string{
		row("Online Workers:", stats.Workers),
		row("Offers Open:", stats.Offered),
		row("Waiting Jobs:", stats.Waiting),
		row("Tracking:", stats.Tracking),
		row("Pending:", stats.Jobs["pending"]),
		row("Accepted:", stats.Jobs["accepted"]),
		row("Cancelled:", stats.Jobs["cancelled"]),
	} {
		b.WriteString(line + "\n")
	}
	return b.String()
}
