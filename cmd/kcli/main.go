// Command kcli is the operator CLI for the admin HTTP/WebSocket surface
// (§6): one subcommand per admin operation, plus trace-smtp-client and
// provider-summary. Grounded on internal/pmta/client.go's
// HTTP-calling-convention and cmd/pmta-manager/main.go's flat
// os.Args-switch dispatch, here calling the admin JSON API instead of
// PMTA's XML management API, and on
// original_source/crates/kcli/src/provider_summary.rs for the summary
// view.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "suspend":
		handleSuspend(os.Args[2:])
	case "suspend-cancel":
		handleSuspendCancel(os.Args[2:])
	case "xfer":
		handleXfer(os.Args[2:])
	case "xfer-cancel":
		handleXferCancel(os.Args[2:])
	case "inspect-sched-q":
		handleInspectSchedQ(os.Args[2:])
	case "trace-smtp-client":
		handleTraceSMTPClient(os.Args[2:])
	case "provider-summary":
		handleProviderSummary(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kcli — kumogo admin CLI

Usage:
  kcli <command> [flags]

Commands:
  suspend         [--campaign <c>] [--tenant <t>] [--domain <d>] [--routing-domain <r>] [--reason <text>]
                  Halt delivery for every scheduled queue matching the criteria.

  suspend-cancel  --id <rule-id>
                  Lift a previously installed suspend rule.

  xfer            [--campaign <c>] [--tenant <t>] [--domain <d>] --target <routing-domain>
                  Move not-yet-delivered mail from matching queues onto a transfer queue.

  xfer-cancel     [--campaign <c>] [--tenant <t>] [--domain <d>] --target <routing-domain>
                  Move mail still resident on a transfer queue back to its source queue.

  inspect-sched-q [--queue <exact-name>] [--campaign <c>] [--tenant <t>] [--domain <d>] [--routing-domain <r>]
                  List messages held in matching scheduled queues.

  trace-smtp-client
                  Stream live SMTP ingress command/response pairs from the admin trace channel.

  provider-summary [--limit <n>]
                  Aggregate queue depth by destination site, descending by volume.

Environment:
  KCLI_ENDPOINT   Admin HTTP API base URL (default: http://127.0.0.1:8001)
  KCLI_TOKEN      Bearer token, if the admin API requires one`)
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func getAdminClient() *client {
	endpoint := envOrDefault("KCLI_ENDPOINT", "http://127.0.0.1:8001")
	token := os.Getenv("KCLI_TOKEN")
	return newClient(endpoint, token)
}
