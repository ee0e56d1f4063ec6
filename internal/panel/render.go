package panel

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"tourdebug-mcp-server/internal/eligibility"

	"github.com/pterm/pterm"
)

// RenderJSON encodes v for machine consumers.
func RenderJSON(v View) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// RenderTerminal writes v to w using pterm styling.
func RenderTerminal(w io.Writer, v View) error {
	var b strings.Builder

	for _, line := range v.Status.Lines {
		b.WriteString(statusColor(v.Status.Level, "●") + " " + line + "\n")
	}
	if v.Status.EnableDebug {
		b.WriteString(pterm.Gray("  tourdebug enable-debug: "+v.Status.Hint) + "\n")
	}

	for _, t := range v.Toasts {
		b.WriteString(pterm.Red("! "+t.Message) + "\n")
	}

	if v.Loading {
		b.WriteString(pterm.Gray("Loading tours...") + "\n")
	}
	if !v.Ready {
		_, err := io.WriteString(w, b.String())
		return err
	}
	b.WriteString("\n")

	if v.Banner != nil {
		header := pterm.Bold.Sprint(v.Banner.Label+": ") + v.Banner.Title
		if v.Banner.Step != "" {
			header += "  " + pterm.Cyan(v.Banner.Step)
		}
		b.WriteString(header + "\n")
		b.WriteString("  " + buttons(v.Banner.Actions) + "\n\n")
	}

	if len(v.Actions) > 0 {
		b.WriteString(buttons(v.Actions) + "\n\n")
	}

	if v.Empty != "" {
		b.WriteString(pterm.Gray(v.Empty) + "\n")
	}

	for _, c := range v.Cards {
		card, err := renderCard(c)
		if err != nil {
			return err
		}
		b.WriteString(card)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderCard(c Card) (string, error) {
	var b strings.Builder
	b.WriteString(pterm.Bold.Sprint(c.Name) + "  " + pterm.Gray("ID: "+c.ID) + "\n")

	labels := make([]string, 0, len(c.Badges)+len(c.Storage))
	for _, badge := range c.Badges {
		labels = append(labels, badgeColor(badge.Color, "["+badge.Text+"]"))
	}
	for _, badge := range c.Storage {
		labels = append(labels, badgeColor(badge.Color, "["+badge.Text+"]"))
	}
	b.WriteString(strings.Join(labels, " ") + "\n")

	table := pterm.TableData{{"", "Eligibility"}}
	for _, j := range c.Eligibility {
		table = append(table, []string{verdictIcon(j.Verdict), j.Message})
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(table).Srender()
	if err != nil {
		return "", fmt.Errorf("render eligibility for %s: %w", c.ID, err)
	}
	b.WriteString(rendered + "\n")
	b.WriteString(buttons(c.Actions) + "\n\n")
	return b.String(), nil
}

func buttons(bs []Button) string {
	parts := make([]string, 0, len(bs))
	for _, btn := range bs {
		parts = append(parts, "["+btn.Label+"]")
	}
	return pterm.Gray(strings.Join(parts, " "))
}

func verdictIcon(v eligibility.Verdict) string {
	switch v {
	case eligibility.Pass:
		return pterm.Green("✓")
	case eligibility.Fail:
		return pterm.Red("✗")
	default:
		return pterm.Gray("-")
	}
}

func statusColor(level, s string) string {
	switch level {
	case LevelOK:
		return pterm.Green(s)
	case LevelWarn:
		return pterm.Yellow(s)
	default:
		return pterm.Red(s)
	}
}

func badgeColor(color, s string) string {
	switch color {
	case ColorBlue:
		return pterm.Blue(s)
	case ColorGreen:
		return pterm.Green(s)
	case ColorOrange:
		return pterm.Yellow(s)
	default:
		return pterm.Gray(s)
	}
}
