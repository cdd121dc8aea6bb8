package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "proofcaptcha - proof-of-work captcha service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  proofcaptcha [server]     Start the HTTP service (default)")
	fmt.Fprintln(w, "  proofcaptcha keygen       Mint a sitekey/secretkey credential pair")
	fmt.Fprintln(w, "  proofcaptcha health       Probe a running instance")
	fmt.Fprintln(w, "  proofcaptcha help         Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  PORT             Listen port (default 8080)")
	fmt.Fprintln(w, "  ENVIRONMENT      development|staging|production")
	fmt.Fprintln(w, "  SERVER_SECRET    Challenge signing secret, >= 32 bytes")
	fmt.Fprintln(w, "  DATABASE_URL     postgres:// DSN or sqlite file path; empty = in-memory")
	fmt.Fprintln(w, "  REDIS_ADDR       Shared rate limiting (optional)")
	fmt.Fprintln(w, "  VPN_API_KEY      vpnapi.io key for VPN intelligence (optional)")
	fmt.Fprintln(w, "  TUNING_PROFILE   Path to a YAML tuning profile (optional)")
	fmt.Fprintln(w, "  OTLP_ADDR        OTLP gRPC endpoint for metrics (optional)")
	fmt.Fprintln(w, "")
}
