// Package discovery locates the site appliance without per-machine
// configuration. Deployments publish a DNS SRV record
// _meridian-grpc._tcp.<domain> in AD-integrated DNS; agents resolve it
// against the domain the machine is joined to.
package discovery

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

const (
	srvService = "meridian-grpc"
	srvProto   = "tcp"

	// DefaultAttempts bounds SRV lookups at startup.
	DefaultAttempts = 3
	retryDelay      = 5 * time.Second
)

// Lookup resolves the appliance address for a domain via SRV. The
// highest-priority record wins.
func Lookup(domain string) (string, error) {
	_, addrs, err := net.LookupSRV(srvService, srvProto, domain)
	if err != nil {
		return "", fmt.Errorf("SRV lookup _%s._%s.%s: %w", srvService, srvProto, domain, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no SRV records for _%s._%s.%s", srvService, srvProto, domain)
	}
	// net.LookupSRV returns records sorted by priority and weight.
	best := addrs[0]
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(best.Target, "."), best.Port), nil
}

// LookupWithRetry retries Lookup with linear backoff, for agents that
// start before DNS is reachable (boot races, VPN establishment).
func LookupWithRetry(domain string, attempts int) (string, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		addr, err := Lookup(domain)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if i < attempts-1 {
			delay := retryDelay * time.Duration(i+1)
			log.Printf("[discovery] attempt %d/%d failed: %v, retrying in %v", i+1, attempts, err, delay)
			time.Sleep(delay)
		}
	}
	return "", fmt.Errorf("appliance discovery failed after %d attempts: %w", attempts, lastErr)
}
