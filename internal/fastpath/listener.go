// Package fastpath — listener.go
//
// UDP receiver for the A-SWARM fast path.
//
// Architecture:
//
//	[UDP socket]
//	      ↓  (single receive loop, 5 s read deadline for maintenance)
//	[Ring buffer]  (drop-oldest, counted)
//	      ↓
//	[Worker pool]  (2×CPU capped at 32)
//	      ↓  ordered validation, each rejection → exactly one counter
//	[Elevation callback]  (suppressed outside NORMAL mode)
//
// Validation order per packet: size → header → magic/version/type →
// payload-length bound → total-size → timestamp age (v3, strict 5 s,
// before the HMAC so stale floods are rejected cheaply) → key lookup →
// constant-time HMAC → OVERLOAD sampling → per-source sequence window →
// packet-hash cache → JSON decode → CIDR allow-list → per-IP token
// bucket.
//
// Failure policy: the receive loop and workers never propagate errors —
// every failure becomes a counter; socket errors are logged and the loop
// continues; a worker panic is recovered, counted, and the worker keeps
// pulling.

package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/identity"
	"github.com/Connerlevi/A-Swarm/internal/observability"
)

const (
	// headerStaleWindowMS is the strict v3 freshness bound.
	headerStaleWindowMS = 5000

	// readDeadline bounds the receive loop's block so it can observe
	// shutdown and keep the liveness heartbeat fresh.
	readDeadline = 5 * time.Second

	// workerPopTimeout bounds a worker's wait on the ring.
	workerPopTimeout = time.Second

	maintenanceEvery = 10 * time.Second
	monitorEvery     = time.Second
)

// ElevationCallback receives each validated elevation payload with its
// transport metadata. Invoked from worker goroutines; must not block.
type ElevationCallback func(p *ElevationPayload, meta Meta)

// ListenerOptions configures a Listener. Zero values take the documented
// defaults.
type ListenerOptions struct {
	BindAddr       string
	Port           int
	Keys           *KeyTable
	Callback       ElevationCallback
	RingSize       int
	Workers        int
	StaleWindow    time.Duration // payload-level staleness, default 60 s
	AllowCIDRs     []string
	RateCapacity   float64
	RateFillPerSec float64
	Metrics        *observability.Metrics
	Log            *zap.Logger
}

// Listener is the fast-path UDP receiver.
type Listener struct {
	opts    ListenerOptions
	conn    *net.UDPConn
	ring    *Ring
	stats   *Stats
	mode    *modeMachine
	seqs    *SeqTable
	hashes  *HashCache
	limiter *RateLimiter
	allowed []*net.IPNet
	metrics *observability.Metrics
	log     *zap.Logger

	workerPanics atomic.Uint64
	lastRecvLoop atomic.Int64 // unix nanos of the last receive-loop pass

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener validates options and binds the socket. The listener is
// inert until Start.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Keys == nil {
		return nil, fmt.Errorf("fastpath: listener requires a key table")
	}
	if opts.BindAddr == "" {
		opts.BindAddr = "0.0.0.0"
	}
	if opts.Port == 0 {
		opts.Port = 8888
	}
	if opts.RingSize == 0 {
		opts.RingSize = 10000
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU() * 2
	}
	if opts.Workers > 32 {
		opts.Workers = 32
	}
	if opts.Workers < 2 {
		opts.Workers = 2
	}
	if opts.StaleWindow == 0 {
		opts.StaleWindow = 60 * time.Second
	}
	if opts.RateCapacity == 0 {
		opts.RateCapacity = 100
	}
	if opts.RateFillPerSec == 0 {
		opts.RateFillPerSec = 50
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	var allowed []*net.IPNet
	for _, cidr := range opts.AllowCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("fastpath: bad allow CIDR %q: %w", cidr, err)
		}
		allowed = append(allowed, ipnet)
	}

	lc := net.ListenConfig{Control: controlRecvSocket}
	pc, err := lc.ListenPacket(context.Background(), "udp",
		fmt.Sprintf("%s:%d", opts.BindAddr, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("fastpath: bind %s:%d: %w", opts.BindAddr, opts.Port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("fastpath: unexpected socket type %T", pc)
	}

	now := time.Now()
	l := &Listener{
		opts:    opts,
		conn:    conn,
		ring:    NewRing(opts.RingSize),
		stats:   NewStats(now),
		mode:    newModeMachine(now),
		seqs:    NewSeqTable(),
		hashes:  NewHashCache(opts.StaleWindow),
		limiter: NewRateLimiter(opts.RateCapacity, opts.RateFillPerSec),
		allowed: allowed,
		metrics: opts.Metrics,
		log:     opts.Log,
	}

	l.log.Info("fast-path listener initialized",
		zap.String("bind", conn.LocalAddr().String()),
		zap.Uint8s("key_ids", opts.Keys.IDs()),
		zap.Int("workers", opts.Workers),
		zap.Int("ring", opts.RingSize))
	return l, nil
}

// Addr returns the bound socket address (useful with port 0 in tests).
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop, workers, maintenance, and monitor.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.lastRecvLoop.Store(time.Now().UnixNano())

	l.wg.Add(1)
	go l.receiveLoop(ctx)

	for i := 0; i < l.opts.Workers; i++ {
		l.wg.Add(1)
		go l.workerLoop(ctx)
	}

	l.wg.Add(2)
	go l.maintenanceLoop(ctx)
	go l.monitorLoop(ctx)
}

// Stop cancels all loops, closes the socket to unblock the receive, and
// waits for in-flight workers to finish their current packet.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	_ = l.conn.Close()
	l.ring.Wake()
	l.wg.Wait()
}

// Healthy reports whether the receive loop has run within twice its read
// deadline. Backs the /healthz endpoint.
func (l *Listener) Healthy() bool {
	last := time.Unix(0, l.lastRecvLoop.Load())
	return time.Since(last) < 2*readDeadline
}

// Mode returns the current back-pressure mode.
func (l *Listener) Mode() Mode {
	return l.mode.Current()
}

// Stats returns the receiver statistics block.
func (l *Listener) Stats() *Stats {
	return l.stats
}

// ReloadKeys re-reads the key table from the environment (SIGHUP path).
func (l *Listener) ReloadKeys() {
	if err := l.opts.Keys.Reload(); err != nil {
		l.log.Error("key reload failed; keeping current table", zap.Error(err))
		return
	}
	l.log.Info("HMAC keys reloaded", zap.Uint8s("key_ids", l.opts.Keys.IDs()))
}

// receiveLoop reads datagrams and pushes them onto the ring. Minimal
// work only — validation happens in the workers.
func (l *Listener) receiveLoop(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, MaxPacketSize+64) // oversize packets detected, not truncated

	for {
		l.lastRecvLoop.Store(time.Now().UnixNano())
		if ctx.Err() != nil {
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.log.Error("receive error", zap.Error(err))
			continue
		}

		l.stats.Received()
		l.metrics.FastpathReceivedTotal.Inc()

		data := make([]byte, n)
		copy(data, buf[:n])
		l.ring.Push(Datagram{
			Data:     data,
			IP:       addr.IP.String(),
			Port:     addr.Port,
			RecvTime: time.Now(),
		})
		l.metrics.FastpathQueueDepth.Set(float64(l.ring.Len()))
	}
}

// workerLoop pulls datagrams off the ring and validates them. Panics are
// recovered and counted — a poison packet must not kill the pool.
func (l *Listener) workerLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		d, ok := l.ring.Pop(workerPopTimeout)
		if !ok {
			continue
		}
		l.processGuarded(d)
	}
}

// processGuarded isolates one packet's processing from panics.
func (l *Listener) processGuarded(d Datagram) {
	defer func() {
		if r := recover(); r != nil {
			l.workerPanics.Add(1)
			l.log.Error("worker panic recovered", zap.Any("panic", r))
		}
	}()
	start := time.Now()
	l.processPacket(d)
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	l.stats.RecordLatency(ms)
	l.metrics.FastpathProcessLatency.Observe(time.Since(start).Seconds())
}

// reject counts a terminal rejection on both stat sinks.
func (l *Listener) reject(c Counter) {
	l.stats.Count(c)
	l.metrics.FastpathRejectedTotal.WithLabelValues(string(c)).Inc()
}

// processPacket runs the ordered validation sequence.
func (l *Listener) processPacket(d Datagram) {
	data := d.Data

	// Size floor: smallest possible packet is a v2 header plus tag.
	if len(data) < V2HeaderSize+HMACSize || len(data) > MaxPacketSize {
		l.reject(CounterInvalidSize)
		return
	}

	h, err := ParseHeader(data)
	if err != nil {
		switch err {
		case errBadMagic:
			l.reject(CounterInvalidMagic)
		case errBadVersion:
			l.reject(CounterInvalidVersion)
		default:
			l.reject(CounterInvalidSize)
		}
		return
	}

	if h.Type != TypeElevation {
		l.reject(CounterInvalidType)
		return
	}

	if int(h.PayloadLen) > h.MaxPayload() {
		l.reject(CounterInvalidSize)
		return
	}
	expected := h.HeaderSize() + int(h.PayloadLen) + HMACSize
	if len(data) != expected {
		l.reject(CounterInvalidSize)
		return
	}

	// Strict freshness window for v3, checked before the HMAC so a flood
	// of stale packets is rejected at header cost. v2 nanosecond
	// timestamps are sender-clock-dependent and advisory only.
	var ageMS int64
	if h.Version == VersionV3 {
		nowMS := time.Now().UnixMilli()
		ageMS = nowMS - int64(h.TimestampMS)
		if ageMS < 0 {
			ageMS = -ageMS
		}
		if ageMS > headerStaleWindowMS {
			l.reject(CounterStale)
			return
		}
	}

	key, ok := l.opts.Keys.Lookup(h.KeyID)
	if !ok {
		l.reject(CounterInvalidKey)
		return
	}

	authLen := h.HeaderSize() + int(h.PayloadLen)
	if !VerifyTag(data[:authLen], data[authLen:], key) {
		l.reject(CounterInvalidHMAC)
		return
	}

	// OVERLOAD sampling sits past the HMAC stage: under saturation we
	// still authenticate everything but only account 1-in-N further.
	if l.mode.Sampling() && !sampleAdmit(d.RecvTime, d.Port) {
		l.reject(CounterSampledOut)
		return
	}

	// Per-source sequence window first, hash cache second: forged floods
	// must not be able to churn the hash cache.
	src := h.SrcID
	if h.Version == VersionV2 {
		src = identity.SourceID(d.IP)
	}
	if !l.seqs.Admit(src, h.Seq16) {
		l.reject(CounterReplays)
		return
	}
	if !l.hashes.Admit(data, d.RecvTime) {
		l.reject(CounterReplays)
		return
	}

	var payload ElevationPayload
	if err := decodePayload(data[h.HeaderSize():authLen], &payload); err != nil {
		l.reject(CounterInvalidJSON)
		return
	}

	// Secondary payload-level staleness using the sender wall clock.
	if payload.WallTS != "" {
		if ts, err := time.Parse(time.RFC3339Nano, payload.WallTS); err == nil {
			if age := time.Since(ts); age > l.opts.StaleWindow {
				l.reject(CounterStale)
				return
			}
		}
	}

	if len(l.allowed) > 0 {
		ip := net.ParseIP(d.IP)
		var inside bool
		for _, n := range l.allowed {
			if n.Contains(ip) {
				inside = true
				break
			}
		}
		if !inside {
			l.reject(CounterCIDRRejected)
			return
		}
	}

	if !l.limiter.Allow(d.IP, d.RecvTime) {
		l.reject(CounterRateLimited)
		return
	}

	l.stats.Count(CounterValid)
	l.metrics.FastpathValidTotal.Inc()

	meta := Meta{
		SourceIP:    d.IP,
		SourcePort:  d.Port,
		SrcID:       src,
		Seq16:       h.Seq16,
		Nonce32:     h.Nonce32,
		KeyID:       h.KeyID,
		TimestampMS: h.TimestampMS,
		AgeMS:       ageMS,
	}

	if l.mode.Suppressed() {
		l.log.Debug("elevation suppressed in degraded mode",
			zap.String("src", meta.SrcIDHex()))
		return
	}
	if l.opts.Callback != nil {
		l.opts.Callback(&payload, meta)
	}
}

// maintenanceLoop handles periodic cleanup: replay-cache expiry, bucket
// sweeps, and collecting ring evictions into the drop counter.
func (l *Listener) maintenanceLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.hashes.Expire(now)
			l.limiter.Sweep(now, 10*time.Minute)
			if dropped := l.ring.TakeDropped(); dropped > 0 {
				l.stats.CountN(CounterDroppedOldest, dropped)
				l.metrics.FastpathRejectedTotal.
					WithLabelValues(string(CounterDroppedOldest)).Add(float64(dropped))
			}
		}
	}
}

// monitorLoop drives the back-pressure state machine at 1 Hz.
func (l *Listener) monitorLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Ring evictions feed the drop rate promptly, not only on
			// the 10 s maintenance pass.
			if dropped := l.ring.TakeDropped(); dropped > 0 {
				l.stats.CountN(CounterDroppedOldest, dropped)
				l.metrics.FastpathRejectedTotal.
					WithLabelValues(string(CounterDroppedOldest)).Add(float64(dropped))
			}

			ratio := float64(l.ring.Len()) / float64(l.ring.Capacity())
			rate, windowAge := l.stats.DropRate(now)
			if change := l.mode.Evaluate(ratio, rate, windowAge, now); change != nil {
				l.metrics.FastpathModeChangesTotal.
					WithLabelValues(string(change.To), change.Reason).Inc()
				l.log.Warn("back-pressure mode change",
					zap.String("from", string(change.From)),
					zap.String("to", string(change.To)),
					zap.String("reason", change.Reason),
					zap.Float64("queue_ratio", ratio),
					zap.Float64("drop_rate", rate))
			}
		}
	}
}

// decodePayload parses the JSON payload, ignoring unknown keys.
func decodePayload(raw []byte, out *ElevationPayload) error {
	return json.Unmarshal(raw, out)
}
