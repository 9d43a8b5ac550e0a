package dnscache

import "testing"

func TestValidateHostname(t *testing.T) {
	p := &SSRFPolicy{}

	ok := []string{
		"example.com",
		"api.example.com.",
		"EXAMPLE.COM",
		"xn--nxasmq6b.example",
		"my_host.example.com",
		"8.8.8.8",
	}
	for _, h := range ok {
		if reason := p.ValidateHostname(h); reason != "" {
			t.Errorf("ValidateHostname(%q) = %q, want allow", h, reason)
		}
	}

	blocked := map[string]string{
		"":                         "Empty hostname",
		"localhost":                "Blocked hostname",
		"LOCALHOST":                "Blocked hostname",
		"foo.localhost":            "Blocked hostname",
		"printer.local":            "Blocked hostname",
		"db.prod.internal":         "Blocked hostname",
		"nas.home.arpa":            "Blocked hostname",
		"metadata.google.internal": "Blocked hostname",
		"bad host.example.com":     "Invalid hostname",
		"a..b":                     "Invalid hostname",
		"127.0.0.1":                "Private IP address blocked",
		"10.1.2.3":                 "Private IP address blocked",
		"169.254.169.254":          "Private IP address blocked",
		"0.0.0.0":                  "Private IP address blocked",
		"::1":                      "Private IP address blocked",
	}
	for h, want := range blocked {
		if reason := p.ValidateHostname(h); reason != want {
			t.Errorf("ValidateHostname(%q) = %q, want %q", h, reason, want)
		}
	}
}

func TestValidateResolvedAddress(t *testing.T) {
	p := &SSRFPolicy{}

	for _, a := range []string{"93.184.216.34", "1.1.1.1", "2606:4700:4700::1111"} {
		if reason := p.ValidateResolvedAddress(a); reason != "" {
			t.Errorf("ValidateResolvedAddress(%q) = %q, want allow", a, reason)
		}
	}

	for _, a := range []string{
		"127.0.0.1",
		"127.8.8.8",
		"10.0.0.1",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"0.0.0.0",
		"224.0.0.1",
		"::1",
		"fe80::1",
		"fd00::1",
	} {
		if reason := p.ValidateResolvedAddress(a); reason != "Private IP address blocked" {
			t.Errorf("ValidateResolvedAddress(%q) = %q, want blocked", a, reason)
		}
	}

	if reason := p.ValidateResolvedAddress("not-an-ip"); reason != "Invalid IP address" {
		t.Errorf("ValidateResolvedAddress(not-an-ip) = %q", reason)
	}
}

func TestValidateResolvedAddressesFirstRejection(t *testing.T) {
	p := &SSRFPolicy{}
	reason := p.ValidateResolvedAddresses([]string{"93.184.216.34", "192.168.1.10", "1.1.1.1"})
	if reason != "Private IP address blocked" {
		t.Fatalf("mixed list should be rejected, got %q", reason)
	}
	if reason := p.ValidateResolvedAddresses([]string{"93.184.216.34", "1.1.1.1"}); reason != "" {
		t.Fatalf("public list should pass, got %q", reason)
	}
}

func TestAllowPrivatePolicy(t *testing.T) {
	p := &SSRFPolicy{AllowPrivate: true}
	if reason := p.ValidateResolvedAddress("127.0.0.1"); reason != "" {
		t.Fatalf("AllowPrivate should permit loopback, got %q", reason)
	}
	if reason := p.ValidateHostname("service.internal"); reason != "" {
		t.Fatalf("AllowPrivate should permit internal suffixes, got %q", reason)
	}
	// Exact blocked names stay blocked even in development.
	if reason := p.ValidateHostname("metadata.google.internal"); reason == "" {
		t.Fatal("metadata endpoint must stay blocked")
	}
}
