package enclave

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolver is the local stub resolver queried when no server is given.
const DefaultResolver = "127.0.0.53:53"

// ResolveReplicas discovers replicas through the SRV records of domain. Each
// record becomes one replica named after its target, reachable at
// scheme://target:port. Replicas are ordered by priority, then target, so the
// same record set always yields the same environment order.
func ResolveReplicas(ctx context.Context, domain, server, scheme string) ([]Replica, error) {
	if server == "" {
		server = DefaultResolver
	}
	if scheme == "" {
		scheme = "https"
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("srv lookup for %s: %w", domain, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup for %s: %s", domain, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no srv records for %s", domain)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Target < records[j].Target
	})

	replicas := make([]Replica, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		replicas = append(replicas, Replica{
			Name: host,
			URL:  scheme + "://" + net.JoinHostPort(host, strconv.Itoa(int(srv.Port))),
		})
	}
	return replicas, nil
}
