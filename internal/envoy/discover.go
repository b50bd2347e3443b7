package envoy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/mdns"
)

const mdnsService = "_enphase-envoy._tcp"

var ErrNotFound = errors.New("no gateway found")

type queryFunc func(params *mdns.QueryParam) error

// Discover browses mDNS for a gateway and returns the base URL of the
// first one that answers with an IPv4 address.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	return discover(ctx, timeout, mdns.Query)
}

func discover(ctx context.Context, timeout time.Duration, query queryFunc) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)

	params := mdns.DefaultParams(mdnsService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() {
		done <- query(params)
		close(entries)
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case e, ok := <-entries:
			if !ok {
				if err := <-done; err != nil {
					return "", fmt.Errorf("mdns query: %w", err)
				}
				return "", ErrNotFound
			}
			if e.AddrV4 != nil {
				return "https://" + e.AddrV4.String(), nil
			}
		}
	}
}
