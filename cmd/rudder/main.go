// Command rudder runs the intent orchestration service.
//
// Subcommands:
//
//	serve        start the HTTP server (default)
//	health       probe a running server's /healthz
//	version      print the build version
//	fingerprint  print the canonical fingerprint of an envelope
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/config"
	"github.com/Mindburn-Labs/rudder/pkg/envelope"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServe

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "fingerprint":
		return runFingerprint(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: rudder [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        start the HTTP server (default)")
	fmt.Fprintln(w, "  health       probe a running server's /healthz")
	fmt.Fprintln(w, "  version      print the build version")
	fmt.Fprintln(w, "  fingerprint  print the fingerprint of an envelope (file arg or stdin)")
}

// runHealth probes the local server. The port follows the same PORT
// environment variable the server reads, overridable with -addr.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "server address (host:port)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	target := *addr
	if target == "" {
		target = "localhost:" + config.Load().Port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + target + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// runFingerprint validates an envelope from a file (or stdin) and prints
// its canonical fingerprint. Useful for predicting idempotent replays.
func runFingerprint(args []string, stdout, stderr io.Writer) int {
	var raw []byte
	var err error
	if len(args) > 0 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(stderr, "read envelope: %v\n", err)
		return 1
	}

	env, result := envelope.NewValidator().Validate(raw)
	if !result.Valid {
		fmt.Fprintln(stderr, "invalid envelope:")
		enc := json.NewEncoder(stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result.Errors)
		return 1
	}

	fp, err := envelope.Fingerprint(env)
	if err != nil {
		fmt.Fprintf(stderr, "fingerprint: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, fp)
	return 0
}
