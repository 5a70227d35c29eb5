package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// criteriaPayload mirrors internal/adminapi's criteriaRequest JSON shape.
type criteriaPayload struct {
	Campaign      string `json:"campaign,omitempty"`
	Tenant        string `json:"tenant,omitempty"`
	Domain        string `json:"domain,omitempty"`
	RoutingDomain string `json:"routing_domain,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func criteriaFromFlags(args []string) criteriaPayload {
	return criteriaPayload{
		Campaign:      flagValue(args, "--campaign"),
		Tenant:        flagValue(args, "--tenant"),
		Domain:        flagValue(args, "--domain"),
		RoutingDomain: flagValue(args, "--routing-domain"),
		Reason:        flagValue(args, "--reason"),
	}
}

func printJSON(body []byte) {
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(string(out))
}

func handleSuspend(args []string) {
	c := getAdminClient()
	body, err := c.post("/api/admin/suspend", criteriaFromFlags(args))
	if err != nil {
		fatal("%v", err)
	}
	printJSON(body)
}

func handleSuspendCancel(args []string) {
	id := flagValue(args, "--id")
	if id == "" {
		fatal("--id is required")
	}
	c := getAdminClient()
	body, err := c.post("/api/admin/suspend-cancel", map[string]string{"id": id})
	if err != nil {
		fatal("%v", err)
	}
	printJSON(body)
}

func handleXfer(args []string) {
	target := flagValue(args, "--target")
	if target == "" {
		fatal("--target is required")
	}
	crit := criteriaFromFlags(args)
	payload := struct {
		criteriaPayload
		Target string `json:"target"`
	}{crit, target}

	c := getAdminClient()
	body, err := c.post("/api/admin/xfer", payload)
	if err != nil {
		fatal("%v", err)
	}
	printJSON(body)
}

func handleXferCancel(args []string) {
	target := flagValue(args, "--target")
	if target == "" {
		fatal("--target is required")
	}
	crit := criteriaFromFlags(args)
	payload := struct {
		criteriaPayload
		Target string `json:"target"`
	}{crit, target}

	c := getAdminClient()
	body, err := c.post("/api/admin/xfer-cancel", payload)
	if err != nil {
		fatal("%v", err)
	}
	printJSON(body)
}

func handleInspectSchedQ(args []string) {
	q := url.Values{}
	if exact := flagValue(args, "--queue"); exact != "" {
		q.Set("queue", exact)
	}
	if v := flagValue(args, "--campaign"); v != "" {
		q.Set("campaign", v)
	}
	if v := flagValue(args, "--tenant"); v != "" {
		q.Set("tenant", v)
	}
	if v := flagValue(args, "--domain"); v != "" {
		q.Set("domain", v)
	}
	if v := flagValue(args, "--routing-domain"); v != "" {
		q.Set("routing_domain", v)
	}

	c := getAdminClient()
	path := "/api/admin/inspect-sched-q"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	body, err := c.get(path)
	if err != nil {
		fatal("%v", err)
	}
	printJSON(body)
}

// handleTraceSMTPClient implements trace-smtp-client: stream the admin
// trace channel, printing one line per SMTP command/response pair as it
// arrives, until the operator interrupts with Ctrl-C.
func handleTraceSMTPClient(args []string) {
	c := getAdminClient()
	conn, err := c.traceWS()
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	fmt.Fprintln(os.Stderr, "connected, streaming SMTP trace events (Ctrl-C to stop)...")
	for {
		var ev traceEvent
		if err := conn.ReadJSON(&ev); err != nil {
			fatal("trace channel closed: %v", err)
		}

		payload, _ := ev.Payload.(map[string]interface{})
		if cmd, ok := payload["command"].(string); ok {
			fmt.Printf("%s  %s  C: %s\n", ev.When, ev.ID, cmd)
			continue
		}
		if resp, ok := payload["response"].(string); ok {
			fmt.Printf("%s  %s  S: %s\n", ev.When, ev.ID, resp)
			continue
		}
		out, _ := json.Marshal(ev.Payload)
		fmt.Printf("%s  %s  %s\n", ev.When, ev.ID, out)
	}
}

// traceEvent mirrors internal/adminapi.TraceEvent's wire shape.
type traceEvent struct {
	ID      string      `json:"id"`
	When    string      `json:"when"`
	Payload interface{} `json:"payload"`
}
