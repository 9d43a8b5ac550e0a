package dnsclient

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/dnscache"
)

type staticResolver struct {
	answers map[string][]net.IP
}

func (s *staticResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if ips, ok := s.answers[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func newClientServerPair(t *testing.T) *Client {
	t.Helper()
	svc := dnscache.NewService(
		dnscache.Config{Enabled: true, TTL: 60_000, MaxEntries: 100},
		filepath.Join(t.TempDir(), "dns-cache-config.json"),
		&dnscache.SSRFPolicy{},
		zap.NewNop(),
		nil,
	)
	svc.SetResolver(&staticResolver{answers: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34"), net.ParseIP("2606:2800:220:1::1")},
	}})

	parent, child := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go svc.ServeChild(ctx, parent)
	t.Cleanup(cancel)

	c := New(child)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientLookup(t *testing.T) {
	c := newClientServerPair(t)

	lookup, err := c.Lookup(context.Background(), "example.com", 4)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if lookup.Address != "93.184.216.34" || lookup.Family != 4 {
		t.Fatalf("unexpected lookup %+v", lookup)
	}
}

func TestClientResolve(t *testing.T) {
	c := newClientServerPair(t)

	v4, err := c.Resolve4(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve4: %v", err)
	}
	if len(v4) != 1 || v4[0] != "93.184.216.34" {
		t.Fatalf("Resolve4 = %v", v4)
	}

	v6, err := c.Resolve6(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve6: %v", err)
	}
	if len(v6) != 1 || v6[0] != "2606:2800:220:1::1" {
		t.Fatalf("Resolve6 = %v", v6)
	}
}

func TestClientErrorResponses(t *testing.T) {
	c := newClientServerPair(t)

	if _, err := c.Lookup(context.Background(), "localhost", 4); err == nil || err.Error() != "Blocked hostname" {
		t.Fatalf("Lookup(localhost) err = %v", err)
	}
	if _, err := c.Lookup(context.Background(), "absent.example.org", 4); err == nil {
		t.Fatal("expected error for unknown host")
	}
}

func TestClientConcurrentRequests(t *testing.T) {
	c := newClientServerPair(t)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := c.Lookup(context.Background(), "example.com", 4)
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent lookup: %v", err)
		}
	}
}

func TestClientFailsPendingOnClose(t *testing.T) {
	// A server that never answers.
	parent, child := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := parent.Read(buf); err != nil {
				return
			}
		}
	}()
	c := New(child)

	done := make(chan error, 1)
	go func() {
		_, err := c.Lookup(context.Background(), "example.com", 4)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()
	parent.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected in-flight request to fail on close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail after close")
	}
}

func TestClientCanceledContext(t *testing.T) {
	parent, child := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := parent.Read(buf); err != nil {
				return
			}
		}
	}()
	c := New(child)
	defer c.Close()
	defer parent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Lookup(ctx, "example.com", 4); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
