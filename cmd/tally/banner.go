package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerRuleStyle    = lipgloss.NewStyle().Foreground(colorMuted)
	bannerMarkStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

// renderBanner draws five tally marks struck through, over the product name.
func renderBanner() string {
	mark := bannerMarkStyle.Render("│")
	strike := bannerMarkStyle.Render("╱")
	rule := bannerRuleStyle.Render(strings.Repeat("─", 20))
	title := bannerTitleStyle.Render("T A L L Y")

	lines := []string{
		"      " + mark + " " + mark + " " + mark + " " + mark + " " + strike,
		"      " + mark + " " + mark + strike + mark + " " + mark,
		"      " + mark + strike + mark + " " + mark + " " + mark,
		"  " + rule,
		"       " + title,
	}

	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   every sale, eventually")
	ver := bannerVersionStyle.Render("          " + version)

	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
