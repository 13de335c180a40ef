// Command verify-address runs one verification attempt and prints the report
// as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ignite/bulk-verifier/internal/config"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/probe"
)

type output struct {
	Email     string        `json:"email"`
	Domain    string        `json:"domain,omitempty"`
	Result    domain.Result `json:"result"`
	Soft      bool          `json:"soft_failure"`
	Contacted bool          `json:"contacted"`
	States    []probe.State `json:"states"`
	Elapsed   string        `json:"elapsed"`
}

func newOutput(r probe.Report, elapsed time.Duration) output {
	return output{
		Email:     r.Email,
		Domain:    r.Domain,
		Result:    r.Result,
		Soft:      r.Soft,
		Contacted: r.Contacted,
		States:    r.States,
		Elapsed:   elapsed.Round(time.Millisecond).String(),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", envOrDefault("VERIFIER_CONFIG", ""), "optional YAML config for probe settings")
	helo := fs.String("helo", "", "HELO name (overrides config)")
	from := fs.String("from", "", "MAIL FROM address (overrides config)")
	port := fs.Int("port", 0, "SMTP port (overrides config)")
	noCatchAll := fs.Bool("no-catch-all", false, "skip the catch-all probe")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: verify-address [flags] <email>")
		return 2
	}

	cfg := probe.DefaultConfig()
	dnsRetries, mxTTL := 2, time.Duration(0)
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "loading config: %v\n", err)
			return 1
		}
		cfg = c.Verification.Probe()
		dnsRetries = c.Verification.DNSRetries
	}
	if *helo != "" {
		cfg.HeloName = *helo
	}
	if *from != "" {
		cfg.MailFrom = *from
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *noCatchAll {
		cfg.CatchAll = false
	}

	engine := probe.NewEngine(cfg, probe.NewMXLookup(nil, dnsRetries, mxTTL, nil), probe.NewSMTPProber(cfg), nil)
	start := time.Now()
	report := engine.Verify(ctx, fs.Arg(0))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newOutput(report, time.Since(start))); err != nil {
		fmt.Fprintf(stderr, "encoding report: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
