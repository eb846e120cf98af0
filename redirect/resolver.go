package redirect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver queries a DNS server directly. The system resolver would honour
// the hosts file redirect and hand back the relay's own address.
type Resolver struct {
	Server string
	client *dns.Client
}

func NewResolver(server string, timeout time.Duration) *Resolver {
	if server == "" {
		server = "8.8.8.8:53"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Resolve returns the first address for hostname, preferring IPv4.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.query(ctx, hostname, qtype)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no address records for %s", hostname)
}

func (r *Resolver) query(ctx context.Context, hostname string, qtype uint16) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), qtype)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("dns query for %s failed: %w", hostname, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query for %s failed: %s", hostname, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				return rec.A, nil
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				return rec.AAAA, nil
			}
		}
	}
	return nil, nil
}
