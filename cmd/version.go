package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fatih/color"

	"github.com/compresr/ai-bridge/internal/bridge"
)

const banner = `
    _    ___   ____       _     _
   / \  |_ _| | __ ) _ __(_) __| | __ _  ___
  / _ \  | |  |  _ \| '__| |/ _' |/ _' |/ _ \
 / ___ \ | |  | |_) | |  | | (_| | (_| |  __/
/_/   \_\___| |____/|_|  |_|\__,_|\__, |\___|
                                  |___/
`

func printBanner(w io.Writer) {
	color.New(color.FgGreen, color.Bold).Fprint(w, banner)
	fmt.Fprintln(w)
}

func printVersion(w io.Writer) {
	printBanner(w)
	fmt.Fprintf(w, "%s %s\n", appName, color.CyanString(bridge.Version))
	fmt.Fprintf(w, "Runtime: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func printHelp(w io.Writer) {
	printBanner(w)
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	fmt.Fprintln(w, "AI Bridge - policy-aware routing gateway for local and hosted language models")
	fmt.Fprintln(w)
	bold.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [command] [options]\n", appName)
	fmt.Fprintln(w)
	bold.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the HTTP server (default)")
	fmt.Fprintln(w, "  version      Print version information")
	fmt.Fprintln(w, "  help         Show this help message")
	fmt.Fprintln(w)
	bold.Fprintln(w, "Server Options:")
	fmt.Fprintln(w, "  --config FILE    Config file (default: ~/.config/ai-bridge/bridge.yaml,")
	fmt.Fprintln(w, "                   ./configs/bridge.yaml, ./bridge.yaml, then the embedded default)")
	fmt.Fprintln(w, "  --debug          Enable debug logging")
	fmt.Fprintln(w, "  --no-banner      Suppress startup banner")
	fmt.Fprintln(w)
	bold.Fprintln(w, "Routes:")
	fmt.Fprintln(w, "  POST /invoke  POST /batch  POST /stream  GET /stream/ws")
	fmt.Fprintln(w, "  GET /health   GET /capabilities   GET /metrics")
	fmt.Fprintln(w)
	gray.Fprintln(w, "Environment is read from ~/.config/ai-bridge/.env and ./.env")
}
