package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{" _                          _                  ", "#818cf8"},
	{"| |_ ___ _ __ _ __ ___  ___| |_ ___  _ __ ___ ", "#a78bfa"},
	{"| __/ _ \\ '__| '_ ` _ \\/ __| __/ _ \\| '__/ _ \\", "#c084fc"},
	{"| ||  __/ |  | | | | | \\__ \\ || (_) | | |  __/", "#e879f9"},
	{" \\__\\___|_|  |_| |_| |_|___/\\__\\___/|_|  \\___|", "#f472b6"},
}

// PrintBanner writes the ASCII art banner followed by the version.
func PrintBanner(w io.Writer, p termenv.Profile, version string) {
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, p.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w, p.String("  v"+version).Faint())
	fmt.Fprintln(w)
}
