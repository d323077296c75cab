package main

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// isTTY returns true if the given file descriptor is a terminal.
func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// printBanner prints the safequery ASCII art banner. When useColor is true,
// each line gets its own ANSI color.
func printBanner(w io.Writer, useColor bool) {
	lines := []string{
		`                    __                              `,
		`   ___  __ _  / _| ___  __ _ _   _  ___ _ __ _   _  `,
		`  / __|/ _' || |_ / _ \/ _' | | | |/ _ \ '__| | | | `,
		`  \__ \ (_| ||  _|  __/ (_| | |_| |  __/ |  | |_| | `,
		`  |___/\__,_||_|  \___|\__, |\__,_|\___|_|   \__, | `,
		`                          |_|                |___/  `,
		`                                                    `,
	}

	if !useColor {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		return
	}

	colors := []string{
		"\033[1;32m", // bold green
		"\033[1;32m",
		"\033[1;92m", // bold bright green
		"\033[1;36m", // bold cyan
		"\033[1;34m", // bold blue
		"\033[1;94m", // bold bright blue
		"\033[0m",
	}
	for i, line := range lines {
		fmt.Fprintf(w, "%s%s\033[0m\n", colors[i%len(colors)], line)
	}
}
