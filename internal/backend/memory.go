package backend

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	defaultShardCount    = 32
	defaultSweepInterval = time.Second
	defaultSweepWrites   = 1000
)

type kvEntry struct {
	value  []byte
	expiry time.Time // zero value means no expiry
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// tsPoint is one member of an ordered-timestamp set. seq breaks ties between
// equal timestamps so duplicate timestamps remain distinct entries instead
// of colliding.
type tsPoint struct {
	ts  float64
	seq uint64
}

type orderedSet struct {
	points []tsPoint
	expiry time.Time
}

type shard struct {
	mu          sync.Mutex
	data        map[string]*kvEntry
	sets        map[string]*orderedSet
	writeN      int
	sweepWrites int
}

// MemoryBackend is an in-process Backend. It shards its key space across a
// fixed number of mutex-guarded buckets, chosen by rendezvous (highest
// random weight) hashing so that resizing the shard count remaps the
// minimum possible number of keys, and sweeps expired entries on a
// background goroutine.
type MemoryBackend struct {
	shards     []*shard
	shardNames []string

	logger *zap.Logger

	sweepInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	seq    uint64
	seqMu  sync.Mutex
}

// MemoryBackendOption configures a MemoryBackend.
type MemoryBackendOption func(*memoryConfig)

type memoryConfig struct {
	shards        int
	sweepInterval time.Duration
	sweepWrites   int
	logger        *zap.Logger
}

// WithShards sets the number of shards (default 32).
func WithShards(n int) MemoryBackendOption {
	return func(c *memoryConfig) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithSweepInterval sets the cadence of the background expiry sweep
// (default 1s).
func WithSweepInterval(d time.Duration) MemoryBackendOption {
	return func(c *memoryConfig) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithSweepWriteThreshold forces an out-of-band sweep after this many writes
// to a shard, whichever comes first against the interval (default 1000).
func WithSweepWriteThreshold(n int) MemoryBackendOption {
	return func(c *memoryConfig) {
		if n > 0 {
			c.sweepWrites = n
		}
	}
}

// WithMemoryLogger injects a logger (default: no-op).
func WithMemoryLogger(l *zap.Logger) MemoryBackendOption {
	return func(c *memoryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewMemoryBackend constructs a MemoryBackend and starts its background
// sweeper. Call Close to stop the sweeper.
func NewMemoryBackend(opts ...MemoryBackendOption) *MemoryBackend {
	cfg := memoryConfig{
		shards:        defaultShardCount,
		sweepInterval: defaultSweepInterval,
		sweepWrites:   defaultSweepWrites,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	names := make([]string, cfg.shards)
	shards := make([]*shard, cfg.shards)
	for i := 0; i < cfg.shards; i++ {
		names[i] = strconv.Itoa(i)
		shards[i] = &shard{
			data:        make(map[string]*kvEntry),
			sets:        make(map[string]*orderedSet),
			sweepWrites: cfg.sweepWrites,
		}
	}

	m := &MemoryBackend{
		shards:        shards,
		shardNames:    names,
		logger:        cfg.logger,
		sweepInterval: cfg.sweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// shardFor picks a shard by rendezvous (highest random weight) hashing:
// score every shard against key and take the max, so growing or shrinking
// the shard count only remaps the keys that hashed best to a changed
// shard instead of the whole key space.
func (m *MemoryBackend) shardFor(key string) *shard {
	best := 0
	var bestScore uint64
	for i, name := range m.shardNames {
		score := xxhash.Sum64String(name + "\x00" + key)
		if i == 0 || score > bestScore {
			bestScore = score
			best = i
		}
	}
	return m.shards[best]
}

func (m *MemoryBackend) nextSeq() uint64 {
	m.seqMu.Lock()
	m.seq++
	v := m.seq
	m.seqMu.Unlock()
	return v
}

func (m *MemoryBackend) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *MemoryBackend) sweepExpired() {
	now := time.Now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if e.expired(now) {
				delete(sh.data, k)
				removed++
			}
		}
		for k, s := range sh.sets {
			if !s.expiry.IsZero() && now.After(s.expiry) {
				delete(sh.sets, k)
				removed++
			}
		}
		sh.writeN = 0
		sh.mu.Unlock()
	}
	if removed > 0 {
		m.logger.Debug("swept expired entries", zap.Int("removed", removed))
	}
}

func (sh *shard) maybeSweepLocked() {
	sh.writeN++
	if sh.writeN < sh.sweepWrites {
		return
	}
	sh.writeN = 0
	now := time.Now()
	for k, e := range sh.data {
		if e.expired(now) {
			delete(sh.data, k)
		}
	}
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	sh.data[key] = &kvEntry{value: v, expiry: expiryFor(ttl)}
	sh.maybeSweepLocked()
	return nil
}

func (m *MemoryBackend) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	if e, ok := sh.data[key]; ok && !e.expired(time.Now()) {
		current = bytesToInt64(e.value)
	}
	current += delta
	sh.data[key] = &kvEntry{value: int64ToBytes(current), expiry: expiryFor(ttl)}
	sh.maybeSweepLocked()
	return current, nil
}

func (m *MemoryBackend) CompareAndSwap(_ context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.data[key]
	var current []byte
	if ok && !e.expired(time.Now()) {
		current = e.value
	}
	if !bytesEqual(current, expected) {
		return false, nil
	}
	v := make([]byte, len(newValue))
	copy(v, newValue)
	sh.data[key] = &kvEntry{value: v, expiry: expiryFor(ttl)}
	sh.maybeSweepLocked()
	return true, nil
}

func (m *MemoryBackend) AppendTimestamp(_ context.Context, key string, ts float64, ttl time.Duration) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sets[key]
	if !ok {
		s = &orderedSet{}
		sh.sets[key] = s
	}
	s.points = append(s.points, tsPoint{ts: ts, seq: m.nextSeq()})
	if ttl > 0 {
		s.expiry = time.Now().Add(ttl)
	}
	sh.maybeSweepLocked()
	return nil
}

func (m *MemoryBackend) TrimBefore(_ context.Context, key string, cutoff float64) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sets[key]
	if !ok {
		return nil
	}
	kept := s.points[:0]
	for _, p := range s.points {
		if p.ts >= cutoff {
			kept = append(kept, p)
		}
	}
	s.points = kept
	return nil
}

func (m *MemoryBackend) CountAfter(_ context.Context, key string, cutoff float64) (int64, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sets[key]
	if !ok {
		return 0, nil
	}
	var count int64
	for _, p := range s.points {
		if p.ts >= cutoff {
			count++
		}
	}
	return count, nil
}

func (m *MemoryBackend) OldestAfter(_ context.Context, key string, cutoff float64) (float64, bool, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sets[key]
	if !ok {
		return 0, false, nil
	}
	found := false
	var oldest float64
	for _, p := range s.points {
		if p.ts >= cutoff && (!found || p.ts < oldest) {
			oldest = p.ts
			found = true
		}
	}
	return oldest, found, nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := time.Now()
	if e, ok := sh.data[key]; ok && !e.expired(now) {
		return true, nil
	}
	if s, ok := sh.sets[key]; ok && len(s.points) > 0 && (s.expiry.IsZero() || !now.After(s.expiry)) {
		return true, nil
	}
	return false, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, hadData := sh.data[key]
	_, hadSet := sh.sets[key]
	delete(sh.data, key)
	delete(sh.sets, key)
	return hadData || hadSet, nil
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	const probe = "__health_check__"
	if err := m.Set(ctx, probe, []byte{1}, time.Second); err != nil {
		return err
	}
	_, _ = m.Delete(ctx, probe)
	return nil
}

func (m *MemoryBackend) Close() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
