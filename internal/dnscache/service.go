package dnscache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/metrics"
)

// maxWireLine bounds a single IPC message. Hostnames are tiny; anything
// bigger is a misbehaving child.
const maxWireLine = 64 * 1024

// Resolver is the OS resolver dependency, satisfied by *net.Resolver and by
// test fakes.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Service is the shared DNS resolver: cache, SSRF policy, statistics and the
// per-child IPC server. One Service lives in the parent process.
type Service struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	resolver Resolver
	policy   *SSRFPolicy

	mu         sync.Mutex
	cfg        Config
	cache      *cache
	configPath string
}

// NewService creates a Service from a loaded config.
func NewService(cfg Config, configPath string, policy *SSRFPolicy, log *zap.Logger, m *metrics.Metrics) *Service {
	if policy == nil {
		policy = &SSRFPolicy{}
	}
	return &Service{
		log:        log.Named("dns"),
		metrics:    m,
		resolver:   net.DefaultResolver,
		policy:     policy,
		cfg:        cfg,
		cache:      newCache(time.Duration(cfg.TTL)*time.Millisecond, cfg.MaxEntries),
		configPath: configPath,
	}
}

// SetResolver swaps the OS resolver, for tests.
func (s *Service) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Config returns the current configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig applies a partial update, persists it, and reconfigures the
// cache. Changing the TTL starts a fresh statistics window.
func (s *Service) UpdateConfig(enabled *bool, ttl *int64, maxEntries *int) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled != nil && *enabled != s.cfg.Enabled {
		s.cfg.Enabled = *enabled
		if *enabled {
			s.log.Info("dns cache enabled")
		} else {
			s.log.Info("dns cache disabled, children resolve uncached")
		}
	}
	if ttl != nil && *ttl >= 0 && *ttl != s.cfg.TTL {
		s.cfg.TTL = *ttl
		s.cache.ttl = time.Duration(*ttl) * time.Millisecond
		s.cache.stats = Stats{TTLPeriodStart: s.cache.now()}
	}
	if maxEntries != nil && *maxEntries > 0 {
		s.cfg.MaxEntries = *maxEntries
		s.cache.maxEntries = *maxEntries
		for len(s.cache.entries) > *maxEntries {
			s.cache.delete(s.cache.order[0])
			s.cache.stats.Evictions++
			s.countEviction()
		}
	}

	if err := SaveConfig(s.configPath, s.cfg); err != nil {
		return s.cfg, err
	}
	return s.cfg, nil
}

// WatchConfig reloads the config file when it changes on disk, so edits made
// outside the API take effect without a restart. Blocks until ctx ends.
func (s *Service) WatchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := watcher.Add(filepath.Dir(s.configPath)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.configPath || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(s.configPath)
			if err != nil {
				s.log.Warn("ignoring invalid config file", zap.Error(err))
				continue
			}
			s.applyLoaded(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (s *Service) applyLoaded(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return
	}
	if cfg.TTL != s.cfg.TTL {
		s.cache.ttl = time.Duration(cfg.TTL) * time.Millisecond
		s.cache.stats = Stats{TTLPeriodStart: s.cache.now()}
	}
	if cfg.MaxEntries > 0 {
		s.cache.maxEntries = cfg.MaxEntries
	}
	s.cfg = cfg
	s.log.Info("dns config reloaded",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int64("ttl", cfg.TTL),
		zap.Int("maxEntries", cfg.MaxEntries))
}

// Stats returns the current TTL-window statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.checkAndResetTTLPeriod()
	return s.cache.stats
}

// CacheEntries returns a derived snapshot of all entries, newest first.
func (s *Service) CacheEntries() []EntrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.snapshot()
}

// ClearCache empties the cache and returns the number removed.
func (s *Service) ClearCache() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.clear()
}

// ServeChild answers IPC requests from one child until the connection closes
// or ctx is cancelled. Every received request is answered exactly once;
// unknown message types are logged and dropped.
func (s *Service) ServeChild(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close() //nolint:errcheck

	var writeMu sync.Mutex
	respond := func(resp *Envelope) {
		data, err := resp.Encode()
		if err != nil {
			s.log.Error("encode dns response", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(data, '\n'))
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxWireLine)
	for scanner.Scan() {
		req, err := DecodeEnvelope(scanner.Bytes())
		if err != nil {
			s.log.Warn("malformed dns request", zap.Error(err))
			continue
		}
		respType := responseType(req.Type)
		if respType == "" {
			s.log.Warn("unknown dns message type", zap.String("type", req.Type))
			continue
		}
		resp := s.handle(ctx, req)
		resp.Type = respType
		resp.RequestID = req.RequestID
		respond(resp)
	}
}

// handle dispatches one request. DNS requests from a single child are
// answered in arrival order; no cross-request ordering is promised.
func (s *Service) handle(ctx context.Context, req *Envelope) *Envelope {
	switch req.Type {
	case MsgLookupRequest:
		family := 0
		if req.Options != nil {
			family = req.Options.Family
		}
		lookup, errMsg := s.lookup(ctx, req.Hostname, family)
		if errMsg != "" {
			return &Envelope{Error: errMsg}
		}
		return &Envelope{Success: true, Address: lookup.Address, Family: lookup.Family}

	case MsgResolve4Request:
		addrs, errMsg := s.resolve(ctx, req.Hostname, 4)
		if errMsg != "" {
			return &Envelope{Error: errMsg}
		}
		return &Envelope{Success: true, Addresses: addrs}

	case MsgResolve6Request:
		addrs, errMsg := s.resolve(ctx, req.Hostname, 6)
		if errMsg != "" {
			return &Envelope{Error: errMsg}
		}
		return &Envelope{Success: true, Addresses: addrs}
	}
	return &Envelope{Error: "unsupported request"}
}

// lookup answers a DNS_LOOKUP_REQUEST: one address of the requested family.
func (s *Service) lookup(ctx context.Context, hostname string, family int) (*CachedLookup, string) {
	s.mu.Lock()
	s.cache.checkAndResetTTLPeriod()

	if reason := s.policy.ValidateHostname(hostname); reason != "" {
		s.cache.stats.Errors++
		s.mu.Unlock()
		s.countError()
		return nil, reason
	}

	key := fmt.Sprintf("%s:%d", hostname, family)
	useCache := s.cfg.Enabled
	if useCache {
		if e := s.cache.get(key); e != nil && e.lookup != nil {
			s.cache.stats.Hits++
			s.mu.Unlock()
			s.countHit()
			return e.lookup, ""
		}
		s.cache.stats.Misses++
	}
	resolver := s.resolver
	s.mu.Unlock()
	if useCache {
		s.countMiss()
	}

	ips, err := resolver.LookupIP(ctx, familyNetwork(family), hostname)
	if err != nil {
		s.recordError()
		return nil, err.Error()
	}
	if len(ips) == 0 {
		s.recordError()
		return nil, "no addresses found"
	}

	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = ip.String()
	}
	if reason := s.policy.ValidateResolvedAddresses(addrs); reason != "" {
		s.recordError()
		return nil, reason
	}

	lookup := &CachedLookup{Address: addrs[0], Family: ipFamily(ips[0])}
	if useCache {
		s.mu.Lock()
		evicted := s.cache.add(&cacheEntry{key: key, lookup: lookup})
		s.mu.Unlock()
		if evicted {
			s.countEviction()
		}
	}
	return lookup, ""
}

// resolve answers DNS_RESOLVE4/6_REQUESTs: all addresses of one family.
func (s *Service) resolve(ctx context.Context, hostname string, family int) ([]string, string) {
	s.mu.Lock()
	s.cache.checkAndResetTTLPeriod()

	if reason := s.policy.ValidateHostname(hostname); reason != "" {
		s.cache.stats.Errors++
		s.mu.Unlock()
		s.countError()
		return nil, reason
	}

	key := fmt.Sprintf("resolve%d:%s", family, hostname)
	useCache := s.cfg.Enabled
	if useCache {
		if e := s.cache.get(key); e != nil && e.addresses != nil {
			s.cache.stats.Hits++
			s.mu.Unlock()
			s.countHit()
			return e.addresses, ""
		}
		s.cache.stats.Misses++
	}
	resolver := s.resolver
	s.mu.Unlock()
	if useCache {
		s.countMiss()
	}

	ips, err := resolver.LookupIP(ctx, familyNetwork(family), hostname)
	if err != nil {
		s.recordError()
		return nil, err.Error()
	}
	var addrs []string
	for _, ip := range ips {
		if ipFamily(ip) == family {
			addrs = append(addrs, ip.String())
		}
	}
	if len(addrs) == 0 {
		s.recordError()
		return nil, "no addresses found"
	}
	if reason := s.policy.ValidateResolvedAddresses(addrs); reason != "" {
		s.recordError()
		return nil, reason
	}

	if useCache {
		s.mu.Lock()
		evicted := s.cache.add(&cacheEntry{key: key, addresses: addrs})
		s.mu.Unlock()
		if evicted {
			s.countEviction()
		}
	}
	return addrs, ""
}

func (s *Service) recordError() {
	s.mu.Lock()
	s.cache.stats.Errors++
	s.mu.Unlock()
	s.countError()
}

func (s *Service) countHit() {
	if s.metrics != nil {
		s.metrics.DNSHits.Inc()
	}
}

func (s *Service) countMiss() {
	if s.metrics != nil {
		s.metrics.DNSMisses.Inc()
	}
}

func (s *Service) countError() {
	if s.metrics != nil {
		s.metrics.DNSErrors.Inc()
	}
}

func (s *Service) countEviction() {
	if s.metrics != nil {
		s.metrics.DNSEvictions.Inc()
	}
}

func familyNetwork(family int) string {
	switch family {
	case 4:
		return "ip4"
	case 6:
		return "ip6"
	}
	return "ip"
}

func ipFamily(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 6
}
