package envoy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answering(t *testing.T, entries ...*mdns.ServiceEntry) queryFunc {
	return func(params *mdns.QueryParam) error {
		assert.Equal(t, "_enphase-envoy._tcp", params.Service)
		assert.True(t, params.DisableIPv6)
		assert.Equal(t, 2*time.Second, params.Timeout)
		for _, e := range entries {
			params.Entries <- e
		}
		return nil
	}
}

func TestDiscoverFirstIPv4(t *testing.T) {
	query := answering(t,
		&mdns.ServiceEntry{Name: "envoy-v6._enphase-envoy._tcp.local.", AddrV6: net.ParseIP("fe80::1")},
		&mdns.ServiceEntry{Name: "envoy._enphase-envoy._tcp.local.", AddrV4: net.ParseIP("192.168.1.20")},
		&mdns.ServiceEntry{Name: "other._enphase-envoy._tcp.local.", AddrV4: net.ParseIP("192.168.1.21")},
	)

	url, err := discover(context.Background(), 2*time.Second, query)
	require.NoError(t, err)
	assert.Equal(t, "https://192.168.1.20", url)
}

func TestDiscoverNoAnswer(t *testing.T) {
	_, err := discover(context.Background(), 2*time.Second, answering(t))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = discover(context.Background(), 2*time.Second, answering(t,
		&mdns.ServiceEntry{Name: "envoy-v6._enphase-envoy._tcp.local.", AddrV6: net.ParseIP("fe80::1")},
	))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscoverQueryError(t *testing.T) {
	failing := func(*mdns.QueryParam) error { return errors.New("no multicast interface") }

	_, err := discover(context.Background(), time.Second, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mdns query: no multicast interface")
}

func TestDiscoverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)
	waiting := func(*mdns.QueryParam) error {
		<-block
		return nil
	}

	_, err := discover(ctx, time.Second, waiting)
	assert.ErrorIs(t, err, context.Canceled)
}
