package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/relaycore/kumogo/internal/queuename"
)

// siteVolume is one row of the provider-summary table: the aggregate
// queue depth for every scheduled queue resolving to the same site
// (destination domain, or its routing-domain override).
type siteVolume struct {
	site  string
	queue int
}

// handleProviderSummary implements provider-summary: queue depth grouped
// by destination site, descending by volume. There is no provider-name
// mapping or egress-pool dimension on the core's counters today (§1
// names metrics registration as an external collaborator, and
// internal/metrics carries plain unlabeled counters), so this reports
// what inspect-sched-q actually exposes — per-site queue depth — rather
// than inventing labeled Prometheus series the server never emits.
func handleProviderSummary(args []string) {
	limit := -1
	if v := flagValue(args, "--limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fatal("--limit must be an integer: %v", err)
		}
		limit = n
	}

	c := getAdminClient()
	body, err := c.get("/api/admin/inspect-sched-q")
	if err != nil {
		fatal("%v", err)
	}

	var byQueue map[string][]json.RawMessage
	if err := json.Unmarshal(body, &byQueue); err != nil {
		fatal("failed to parse inspect-sched-q response: %v", err)
	}

	bySite := map[string]int{}
	for queueName, msgs := range byQueue {
		n := queuename.Parse(queueName)
		site := n.Domain
		if n.RoutingDomain != "" {
			site = n.RoutingDomain
		}
		bySite[site] += len(msgs)
	}

	rows := make([]siteVolume, 0, len(bySite))
	for site, q := range bySite {
		rows = append(rows, siteVolume{site: site, queue: q})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].queue != rows[j].queue {
			return rows[i].queue > rows[j].queue
		}
		return rows[i].site < rows[j].site
	})
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tQ")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\n", row.site, row.queue)
	}
	w.Flush()
}
