package pool

import (
	"context"
	"crypto/md5"
	"crypto/sha1" //nolint:gosec // MySQL native_password uses SHA-1 by spec
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/pkg/builder"
	"github.com/dbbouncer/dbbouncer/pkg/byterange"
	"github.com/dbbouncer/dbbouncer/pkg/codec"
)

// Stats holds connection pool statistics for a tenant.
type Stats struct {
	TenantID   string `json:"tenant_id"`
	DBType     string `json:"db_type"`
	PoolMode   string `json:"pool_mode"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Processing int    `json:"processing"`
	Total      int    `json:"total"`
	Waiting    int    `json:"waiting"`
	MaxConns   int    `json:"max_connections"`
	MinConns   int    `json:"min_connections"`
	Exhausted  int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a goroutine must wait.
type OnPoolExhausted func(tenantID string)

// acquireResult is delivered to a waiter once its request is resolved, either
// by Return() handing it a connection directly or by its deadline timer firing.
type acquireResult struct {
	pc  *PooledConn
	err error
}

// waiter is one outstanding Acquire() call parked because the pool was at
// capacity. Waiters are kept sorted by deadline so the earliest-deadline
// caller is always the first one handed a returned connection, mirroring the
// request queue in connection_pool.h's state machine.
type waiter struct {
	deadline time.Time
	ch       chan acquireResult
	timerID  uint64
	done     bool
}

// TenantPool manages connections for a single tenant.
type TenantPool struct {
	mu             sync.Mutex
	reactor        *reactor.Reactor // shared across tenants; arms per-waiter deadline timers
	tenantID       string
	dbType         string
	host           string
	port           int
	dbname         string
	username       string
	password       string
	poolMode       string
	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration
	hostTimeout    time.Duration

	idle       []*PooledConn
	active     map[*PooledConn]struct{}
	waiters    []*waiter // ascending by deadline
	total      int
	processing int // connections counted in total but not yet dialed/authenticated
	waiting    int
	exhausted  int64

	// idleSince is non-zero exactly when the pool has no checked-out
	// connections and no pending requests — the running/idle distinction in
	// connection_pool.h. Manager.reapIdleTenants consults it against
	// hostTimeout to decide when to drop the pool.
	idleSince time.Time

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewTenantPool creates a new connection pool for a tenant. r may be nil, in
// which case acquire deadlines fall back to time.AfterFunc (used by tests
// that exercise a pool in isolation from the Manager's shared reactor).
func NewTenantPool(tenantID string, tc config.TenantConfig, defaults config.PoolDefaults, r *reactor.Reactor) *TenantPool {
	tp := &TenantPool{
		reactor:        r,
		tenantID:       tenantID,
		dbType:         tc.DBType,
		host:           tc.Host,
		port:           tc.Port,
		dbname:         tc.DBName,
		username:       tc.Username,
		password:       tc.Password,
		poolMode:       tc.EffectivePoolMode(defaults),
		minConns:       tc.EffectiveMinConnections(defaults),
		maxConns:       tc.EffectiveMaxConnections(defaults),
		idleTimeout:    tc.EffectiveIdleTimeout(defaults),
		maxLifetime:    tc.EffectiveMaxLifetime(defaults),
		acquireTimeout: tc.EffectiveAcquireTimeout(defaults),
		dialTimeout:    tc.EffectiveDialTimeout(defaults),
		hostTimeout:    tc.EffectiveHostTimeout(defaults),
		idle:           make([]*PooledConn, 0),
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
		idleSince:      time.Now(),
	}

	// Start idle reaper
	go tp.reapLoop()

	// Pre-warm connections in background
	if tp.minConns > 0 {
		go tp.warmUp()
	}

	return tp
}

// insertWaiter inserts w into tp.waiters keeping ascending deadline order.
// Must be called with tp.mu held.
func (tp *TenantPool) insertWaiter(w *waiter) {
	i := sort.Search(len(tp.waiters), func(i int) bool {
		return tp.waiters[i].deadline.After(w.deadline)
	})
	tp.waiters = append(tp.waiters, nil)
	copy(tp.waiters[i+1:], tp.waiters[i:])
	tp.waiters[i] = w
}

// removeWaiterLocked removes w from tp.waiters if still present. Must be
// called with tp.mu held.
func (tp *TenantPool) removeWaiterLocked(w *waiter) {
	for i, cur := range tp.waiters {
		if cur == w {
			tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
			return
		}
	}
}

// cancelWaiter removes w from the queue, if still queued, and delivers err on
// its channel. Safe to call more than once for the same waiter.
func (tp *TenantPool) cancelWaiter(w *waiter, err error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	tp.removeWaiterLocked(w)
	tp.markIdleIfQuiescentLocked()
	w.ch <- acquireResult{err: err}
}

// markActiveLocked clears the host-idle timer; called whenever a connection
// is checked out, since the pool is no longer quiescent. Must be called with
// tp.mu held.
func (tp *TenantPool) markActiveLocked() {
	tp.idleSince = time.Time{}
}

// markIdleIfQuiescentLocked arms the host-idle timer once no connections are
// checked out and no requests are waiting, mirroring connection_pool.h's
// running -> idle transition. Must be called with tp.mu held.
func (tp *TenantPool) markIdleIfQuiescentLocked() {
	if len(tp.active) == 0 && len(tp.waiters) == 0 && tp.processing == 0 {
		tp.idleSince = time.Now()
	}
}

// hostIdleExpired reports whether the pool has sat quiescent — no
// checked-out connections, no pending requests — for longer than its
// configured host timeout, the idle -> inShutdown transition in
// connection_pool.h. Manager.reapIdleTenants polls this to decide when to
// drop the pool from the tenant map; GetOrCreate transparently recreates it
// on the next request, returning it to running.
func (tp *TenantPool) hostIdleExpired() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.hostTimeout <= 0 || tp.idleSince.IsZero() {
		return false
	}
	return len(tp.active) == 0 && len(tp.waiters) == 0 && time.Since(tp.idleSince) > tp.hostTimeout
}

// warmUp pre-creates minConns idle connections so the pool is ready for traffic.
func (tp *TenantPool) warmUp() {
	for i := 0; i < tp.minConns; i++ {
		tp.mu.Lock()
		if tp.closed || tp.total >= tp.minConns {
			tp.mu.Unlock()
			return
		}
		tp.total++
		tp.mu.Unlock()

		pc, err := tp.dial(context.Background())
		if err != nil {
			tp.mu.Lock()
			tp.total--
			tp.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "total", tp.minConns, "tenant", tp.tenantID, "err", err)
			return
		}

		// For transaction-mode PG pools, authenticate during warm-up
		if tp.poolMode == "transaction" && tp.dbType == "postgres" {
			if err := tp.authenticatePG(pc); err != nil {
				pc.Close()
				tp.mu.Lock()
				tp.total--
				tp.mu.Unlock()
				slog.Warn("warm-up PG auth failed", "index", i+1, "total", tp.minConns, "tenant", tp.tenantID, "err", err)
				return
			}
		}

		tp.mu.Lock()
		if tp.closed {
			tp.mu.Unlock()
			pc.Close()
			return
		}
		pc.MarkIdle()
		tp.idle = append(tp.idle, pc)
		tp.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", tp.minConns, "tenant", tp.tenantID)
}

// Acquire gets a connection from the pool, creating one if needed.
// The context is used for cancellation and deadline propagation.
func (tp *TenantPool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(tp.acquireTimeout)

	// If the context has an earlier deadline, use that instead.
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	tp.mu.Lock()

	select {
	case <-ctx.Done():
		tp.mu.Unlock()
		return nil, ctx.Err()
	default:
	}

	if tp.closed {
		tp.mu.Unlock()
		return nil, shutdownInProgress(tp.tenantID, "pool closed for tenant %s", tp.tenantID)
	}

	// Try to get an idle connection
	for len(tp.idle) > 0 {
		pc := tp.idle[len(tp.idle)-1]
		tp.idle = tp.idle[:len(tp.idle)-1]

		// Check if connection is expired
		if pc.IsExpired(tp.maxLifetime) {
			pc.Close()
			tp.total--
			continue
		}

		// Skip Ping for pre-authenticated connections — they have proper
		// PG protocol state and Ping's 1-byte read would corrupt it.
		if !pc.IsAuthenticated() {
			if err := pc.Ping(); err != nil {
				pc.Close()
				tp.total--
				continue
			}
		}

		pc.MarkActive()
		tp.active[pc] = struct{}{}
		tp.markActiveLocked()
		tp.mu.Unlock()
		return pc, nil
	}

	// Create a new connection if under limit
	if tp.total < tp.maxConns {
		tp.total++
		tp.processing++
		tp.markActiveLocked()
		tp.mu.Unlock()

		pc, err := tp.dial(ctx)
		if err != nil {
			tp.mu.Lock()
			tp.total--
			tp.processing--
			tp.markIdleIfQuiescentLocked()
			tp.mu.Unlock()
			return nil, hostUnreachable(tp.tenantID, "connecting to %s:%d for tenant %s: %s", tp.host, tp.port, tp.tenantID, err)
		}

		pc.MarkActive()
		tp.mu.Lock()
		tp.processing--
		tp.active[pc] = struct{}{}
		tp.markActiveLocked()
		tp.mu.Unlock()
		return pc, nil
	}

	// Pool exhausted — enqueue a deadline-ordered wait request. Return()
	// hands a connection directly to the earliest-deadline waiter; a fired
	// deadline timer resolves this waiter with a timeout error instead.
	tp.waiting++
	tp.exhausted++
	cb := tp.onPoolExhausted
	w := &waiter{deadline: deadlineAt, ch: make(chan acquireResult, 1)}

	remaining := time.Until(deadlineAt)
	if remaining <= 0 {
		tp.waiting--
		tp.mu.Unlock()
		return nil, exceededTimeLimit(tp.tenantID, "acquire timeout (%s) for tenant %s: pool exhausted", tp.acquireTimeout, tp.tenantID)
	}
	tp.insertWaiter(w)

	timeoutErr := exceededTimeLimit(tp.tenantID, "acquire timeout (%s) for tenant %s: pool exhausted", tp.acquireTimeout, tp.tenantID)
	var fallbackTimer *time.Timer
	if tp.reactor != nil {
		// Set while tp.mu is still held so Return()/Close(), which read
		// w.timerID under tp.mu, never observe a torn write.
		w.timerID = tp.reactor.SetTimer(deadlineAt, func() {
			tp.cancelWaiter(w, timeoutErr)
		})
	} else {
		fallbackTimer = time.AfterFunc(remaining, func() {
			tp.cancelWaiter(w, timeoutErr)
		})
	}
	tp.mu.Unlock()

	if fallbackTimer != nil {
		defer fallbackTimer.Stop()
	}

	if cb != nil {
		cb(tp.tenantID)
	}

	select {
	case res := <-w.ch:
		tp.mu.Lock()
		tp.waiting--
		tp.mu.Unlock()
		return res.pc, res.err
	case <-ctx.Done():
		tp.mu.Lock()
		tp.waiting--
		tp.removeWaiterLocked(w)
		alreadyDone := w.done
		w.done = true
		tp.markIdleIfQuiescentLocked()
		tp.mu.Unlock()
		if tp.reactor != nil && w.timerID != 0 {
			tp.reactor.CancelTimer(w.timerID)
		}
		if alreadyDone {
			// Return() (or the deadline timer) already claimed w concurrently
			// and is in the middle of sending on its buffered channel; the
			// send can't block, so this receive completes without delay.
			res := <-w.ch
			if res.pc != nil {
				tp.Return(res.pc)
			}
		}
		return nil, ctx.Err()
	}
}

// InjectTestConn adds a pre-built PooledConn directly into the pool's idle list.
// This is only intended for testing — it bypasses dial() and authentication.
func (tp *TenantPool) InjectTestConn(pc *PooledConn) {
	tp.mu.Lock()
	pc.MarkIdle()
	tp.idle = append(tp.idle, pc)
	tp.total++
	tp.mu.Unlock()
}

// Return releases a connection back to the pool.
func (tp *TenantPool) Return(pc *PooledConn) {
	tp.mu.Lock()

	delete(tp.active, pc)

	if tp.closed || pc.IsExpired(tp.maxLifetime) {
		pc.Close()
		tp.total--
		tp.markIdleIfQuiescentLocked()
		tp.mu.Unlock()
		return
	}

	// Hand the connection directly to the earliest-deadline waiter instead of
	// parking it on the idle list, so FIFO-by-deadline ordering holds even
	// under contention.
	for len(tp.waiters) > 0 {
		w := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		if w.done {
			continue
		}
		w.done = true
		if tp.reactor != nil && w.timerID != 0 {
			tp.reactor.CancelTimer(w.timerID)
		}
		pc.MarkActive()
		tp.active[pc] = struct{}{}
		tp.markActiveLocked()
		tp.mu.Unlock()
		w.ch <- acquireResult{pc: pc}
		return
	}

	pc.MarkIdle()
	tp.idle = append(tp.idle, pc)
	tp.markIdleIfQuiescentLocked()
	tp.mu.Unlock()
}

// Stats returns current pool statistics.
func (tp *TenantPool) Stats() Stats {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return Stats{
		TenantID:   tp.tenantID,
		DBType:     tp.dbType,
		PoolMode:   tp.poolMode,
		Active:     len(tp.active),
		Idle:       len(tp.idle),
		Processing: tp.processing,
		Total:      tp.total,
		Waiting:    tp.waiting,
		MaxConns:   tp.maxConns,
		MinConns:   tp.minConns,
		Exhausted:  tp.exhausted,
	}
}

// Drain closes all idle connections and waits for active ones to be returned.
func (tp *TenantPool) Drain() {
	tp.mu.Lock()

	// Close all idle connections
	for _, pc := range tp.idle {
		pc.Close()
		tp.total--
	}
	tp.idle = tp.idle[:0]

	// Wait for active connections with a timeout
	activeCount := len(tp.active)
	tp.mu.Unlock()

	if activeCount > 0 {
		slog.Info("draining active connections", "count", activeCount, "tenant", tp.tenantID)
		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tp.mu.Lock()
				if len(tp.active) == 0 {
					tp.mu.Unlock()
					return
				}
				tp.mu.Unlock()
			case <-timeout:
				tp.mu.Lock()
				for pc := range tp.active {
					pc.Close()
					tp.total--
				}
				tp.active = make(map[*PooledConn]struct{})
				tp.mu.Unlock()
				slog.Warn("force-closed active connections after drain timeout", "tenant", tp.tenantID)
				return
			}
		}
	}
}

// Close shuts down the pool.
func (tp *TenantPool) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	close(tp.stopCh)
	waiters := tp.waiters
	tp.waiters = nil
	tp.mu.Unlock()

	closeErr := shutdownInProgress(tp.tenantID, "pool closing for tenant %s", tp.tenantID)
	for _, w := range waiters {
		if tp.reactor != nil && w.timerID != 0 {
			tp.reactor.CancelTimer(w.timerID)
		}
		tp.cancelWaiter(w, closeErr)
	}

	tp.Drain()
}

func (tp *TenantPool) dial(ctx context.Context) (*PooledConn, error) {
	addr := net.JoinHostPort(tp.host, fmt.Sprintf("%d", tp.port))
	dialer := net.Dialer{
		Timeout:   tp.dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	pc := NewPooledConn(conn, tp.tenantID, tp.dbType, tp)

	// For transaction-mode PG pools, authenticate during dial
	if tp.poolMode == "transaction" && tp.dbType == "postgres" {
		if err := tp.authenticatePG(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("PG auth during dial: %w", err)
		}
	}

	// For transaction-mode MySQL pools, authenticate during dial
	if tp.poolMode == "transaction" && tp.dbType == "mysql" {
		if err := tp.authenticateMySQL(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("MySQL auth during dial: %w", err)
		}
	}

	return pc, nil
}

// PoolMode returns the pool mode for this tenant pool.
func (tp *TenantPool) PoolMode() string {
	return tp.poolMode
}

// Password returns the configured password for the backend database.
func (tp *TenantPool) Password() string {
	return tp.password
}

// authenticatePG performs the PostgreSQL startup and authentication handshake
// on a raw connection, producing a ready-to-query connection. It sends the
// startup message, handles auth challenges, and collects ParameterStatus and
// BackendKeyData. The connection is ready for queries when this returns nil.
func (tp *TenantPool) authenticatePG(pc *PooledConn) error {
	conn := pc.Conn()

	// Startup message: length(4, patched once the body is known) + protocol
	// version(4) + "user"\0<username>\0"database"\0<dbname>\0 + terminator.
	b := builder.New()
	if err := builder.WriteAndAdvance(b, codec.Uint32BE, uint32(0)); err != nil {
		return fmt.Errorf("building startup message: %w", err)
	}
	if err := builder.WriteAndAdvance(b, codec.Uint32BE, uint32(3<<16)); err != nil { // v3.0
		return fmt.Errorf("building startup message: %w", err)
	}
	for _, pair := range [][2]string{{"user", tp.username}, {"database", tp.dbname}} {
		if err := builder.WriteAndAdvance(b, codec.CString(), pair[0]); err != nil {
			return fmt.Errorf("building startup message: %w", err)
		}
		if err := builder.WriteAndAdvance(b, codec.CString(), pair[1]); err != nil {
			return fmt.Errorf("building startup message: %w", err)
		}
	}
	if err := builder.WriteAndAdvance(b, codec.Uint8, uint8(0)); err != nil {
		return fmt.Errorf("building startup message: %w", err)
	}
	if err := builder.Write(b, codec.Uint32BE, uint32(b.Size()), 0); err != nil {
		return fmt.Errorf("building startup message: %w", err)
	}

	if _, err := conn.Write(b.Data()); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	// Read responses until ReadyForQuery
	params := make(map[string]string)
	var backendPID, backendKey uint32

	for {
		// Read message type (1 byte)
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, typeBuf); err != nil {
			return fmt.Errorf("reading message type: %w", err)
		}
		msgType := typeBuf[0]

		// Read message length (4 bytes, includes itself)
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return fmt.Errorf("reading message length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		if payloadLen < 0 || payloadLen > 1<<24 {
			return fmt.Errorf("invalid message length: %d", payloadLen)
		}

		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
		}

		switch msgType {
		case 'R': // Authentication
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := tp.sendPasswordMessage(conn, tp.password); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := payload[4:8]
				md5Pass := computeMD5Password(tp.username, tp.password, salt)
				if err := tp.sendPasswordMessage(conn, md5Pass); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := scramSHA256Auth(conn, tp.username, tp.password, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'S': // ParameterStatus
			// key\0value\0
			key, val := parseNullTerminatedPair(payload)
			if key != "" {
				params[key] = val
			}

		case 'K': // BackendKeyData
			if len(payload) >= 8 {
				backendPID = binary.BigEndian.Uint32(payload[:4])
				backendKey = binary.BigEndian.Uint32(payload[4:8])
			}

		case 'Z': // ReadyForQuery
			if len(payload) >= 1 && payload[0] == 'I' {
				pc.SetAuthenticated(params, backendPID, backendKey)
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case 'E': // ErrorResponse
			errMsg := parseErrorMessage(payload)
			return fmt.Errorf("backend error during auth: %s", errMsg)

		default:
			// Skip unknown messages during startup
			continue
		}
	}
}

// sendPasswordMessage sends a PG password message ('p').
func (tp *TenantPool) sendPasswordMessage(conn net.Conn, password string) error {
	b := builder.New()
	if err := builder.WriteAndAdvance(b, codec.Uint8, byte('p')); err != nil {
		return err
	}
	if err := builder.WriteAndAdvance(b, codec.Uint32BE, uint32(0)); err != nil {
		return err
	}
	if err := builder.WriteAndAdvance(b, codec.CString(), password); err != nil {
		return err
	}
	if err := builder.Write(b, codec.Uint32BE, uint32(b.Size()-1), 1); err != nil {
		return err
	}
	_, err := conn.Write(b.Data())
	return err
}

// parseNullTerminatedPair parses a "key\0value\0" buffer using the
// CString codec shared with the rest of the wire parsers.
func parseNullTerminatedPair(data []byte) (string, string) {
	c := byterange.NewConstCursor(data)
	key, err := byterange.ReadAndAdvance(c, codec.CString())
	if err != nil {
		return "", ""
	}
	val, err := byterange.ReadAndAdvance(c, codec.CString())
	if err != nil {
		return key, ""
	}
	return key, val
}

// parseErrorMessage extracts the message ('M') field from a PG ErrorResponse
// payload: a sequence of (fieldType byte, CString value) pairs terminated by
// a zero fieldType byte.
func parseErrorMessage(payload []byte) string {
	c := byterange.NewConstCursor(payload)
	for c.Length() > 0 {
		fieldType, err := byterange.ReadAndAdvance(c, codec.Uint8)
		if err != nil || fieldType == 0 {
			break
		}
		val, err := byterange.ReadAndAdvance(c, codec.CString())
		if err != nil {
			break
		}
		if fieldType == 'M' {
			return val
		}
	}
	return "unknown error"
}

// computeMD5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// authenticateMySQL performs the MySQL connection phase (Protocol::Handshake v10)
// on a raw connection, producing a ready-to-query connection. It handles
// mysql_native_password (SHA-1 based) auth, which is the most common method.
// On success the PooledConn is marked authenticated.
func (tp *TenantPool) authenticateMySQL(pc *PooledConn) error {
	conn := pc.Conn()

	// --- Step 1: Read server's Initial Handshake Packet ---
	pkt, _, err := readMySQLPoolPacket(conn)
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty server handshake")
	}
	if pkt[0] == 0xff { // ERR_Packet
		return fmt.Errorf("server sent error on connect")
	}

	// Parse Protocol::HandshakeV10
	// Format: protocol_version(1) + server_version(null-term) + conn_id(4) +
	//         auth_plugin_data_1(8) + filler(1) + capability_flags_1(2) +
	//         character_set(1) + status_flags(2) + capability_flags_2(2) +
	//         auth_plugin_data_len(1) + reserved(10) + auth_plugin_data_2(max(13, len-8)) +
	//         auth_plugin_name(null-term, if CLIENT_PLUGIN_AUTH)
	pos := 1 // skip protocol version byte
	// skip server version (null-terminated)
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++ // skip null terminator
	if pos+4 > len(pkt) {
		return fmt.Errorf("handshake packet too short")
	}
	pos += 4 // skip connection_id

	// auth-plugin-data part 1 (8 bytes)
	if pos+8 > len(pkt) {
		return fmt.Errorf("handshake packet too short for auth data 1")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	// capability flags (lower 2 bytes)
	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	// character set + status flags
	if pos+3 > len(pkt) {
		return fmt.Errorf("handshake packet too short for charset/status")
	}
	pos += 3 // charset(1) + status_flags(2)

	// capability flags (upper 2 bytes)
	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	// auth_plugin_data_len
	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	// auth-plugin-data part 2: max(13, auth_plugin_data_len - 8) bytes
	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		// trim trailing null byte
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	// auth plugin name (null-terminated), if CLIENT_PLUGIN_AUTH (bit 19) set
	const clientPluginAuth = uint32(1 << 19)
	pluginName := "mysql_native_password"
	if capFlags&clientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		pluginName = string(pkt[pos:end])
	}

	// --- Step 2: Send HandshakeResponse41 ---
	// Capability flags we claim:
	// CLIENT_LONG_PASSWORD(1) | CLIENT_PROTOCOL_41(512) | CLIENT_SECURE_CONNECTION(32768) |
	// CLIENT_PLUGIN_AUTH(1<<19) | CLIENT_CONNECT_WITH_DB(8)
	const (
		clientLongPassword     = uint32(1)
		clientConnectWithDB    = uint32(8)
		clientProtocol41       = uint32(512)
		clientSecureConnection = uint32(32768)
	)
	clientCaps := clientLongPassword | clientProtocol41 | clientSecureConnection | clientPluginAuth | clientConnectWithDB

	// Compute auth response based on plugin
	var authResp []byte
	switch pluginName {
	case "mysql_native_password":
		authResp = mysqlNativePasswordHash([]byte(tp.password), authData)
	default:
		// Fallback: send empty auth, server may switch plugin
		authResp = []byte{}
	}

	// Build HandshakeResponse41:
	// capability_flags(4) + max_packet_size(4) + character_set(1) + reserved(23) +
	// username(null-term) + auth_response_length(1) + auth_response +
	// database(null-term) + auth_plugin_name(null-term)
	rb := builder.New()
	if err := builder.WriteAndAdvance(rb, codec.Uint32LE, clientCaps); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.Uint32LE, uint32(0x00ffffff)); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.Uint8, uint8(0x21)); err != nil { // utf8_general_ci
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.FixedSize{N: 23}, make([]byte, 23)); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.CString(), tp.username); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.Uint8, uint8(len(authResp))); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.Bytes{}, authResp); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.CString(), tp.dbname); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if err := builder.WriteAndAdvance(rb, codec.CString(), "mysql_native_password"); err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}

	if err := writeMySQLPoolPacket(conn, rb.Data(), 1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	// --- Step 3: Read auth result ---
	pkt, _, err = readMySQLPoolPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty auth result")
	}

	switch pkt[0] {
	case 0x00: // OK_Packet
		pc.SetAuthenticated(nil, 0, 0)
		return nil
	case 0xfe: // AuthSwitchRequest — server wants a different plugin
		if len(pkt) < 2 {
			return fmt.Errorf("malformed AuthSwitchRequest")
		}
		// Parse: plugin_name(null-term) + plugin_data
		nameEnd := 1
		for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
			nameEnd++
		}
		switchPlugin := string(pkt[1:nameEnd])
		var switchData []byte
		if nameEnd+1 < len(pkt) {
			switchData = pkt[nameEnd+1:]
			if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
				switchData = switchData[:len(switchData)-1]
			}
		}
		// Compute response for switched plugin
		var switchResp []byte
		switch switchPlugin {
		case "mysql_native_password":
			switchResp = mysqlNativePasswordHash([]byte(tp.password), switchData)
		default:
			return fmt.Errorf("unsupported auth plugin switch: %s", switchPlugin)
		}
		if err := writeMySQLPoolPacket(conn, switchResp, 3); err != nil {
			return fmt.Errorf("sending auth switch response: %w", err)
		}
		// Read final result
		pkt, _, err = readMySQLPoolPacket(conn)
		if err != nil {
			return fmt.Errorf("reading auth switch result: %w", err)
		}
		if len(pkt) < 1 || pkt[0] != 0x00 {
			return fmt.Errorf("MySQL auth failed after plugin switch")
		}
		pc.SetAuthenticated(nil, 0, 0)
		return nil
	case 0xff: // ERR_Packet
		msg := parseMySQLError(pkt)
		return fmt.Errorf("MySQL auth failed: %s", msg)
	default:
		return fmt.Errorf("unexpected auth response byte: 0x%02x", pkt[0])
	}
}

// mysqlNativePasswordHash computes the mysql_native_password hash:
// SHA1(password) XOR SHA1(authData + SHA1(SHA1(password)))
func mysqlNativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	// SHA1(password)
	h1 := sha1.Sum(password) //nolint:gosec
	// SHA1(SHA1(password))
	h2 := sha1.Sum(h1[:]) //nolint:gosec
	// SHA1(authData + SHA1(SHA1(password)))
	h := sha1.New() //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	// XOR h1 with h3
	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

// readMySQLPoolPacket reads one MySQL packet: 3-byte length + 1-byte seq + payload.
func readMySQLPoolPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return nil, seq, err
	}
	return payload, seq, nil
}

// writeMySQLPoolPacket writes one MySQL packet with the given sequence number.
func writeMySQLPoolPacket(conn net.Conn, payload []byte, seq byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	buf := append(hdr, payload...)
	_, err := conn.Write(buf)
	return err
}

// parseMySQLError extracts the error message from an ERR_Packet.
// Format: 0xff(1) + error_code(2) + '#'(1) + sqlstate(5) + message
func parseMySQLError(pkt []byte) string {
	if len(pkt) < 9 {
		return "unknown error"
	}
	// skip 0xff(1) + code(2) + '#'(1) + sqlstate(5)
	return string(pkt[9:])
}

func (tp *TenantPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tp.reapIdle()
		case <-tp.stopCh:
			return
		}
	}
}

func (tp *TenantPool) reapIdle() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if len(tp.idle) <= tp.minConns {
		return
	}

	// Reap oldest connections first (front of the slice).
	// Keep at least minConns, preserving the newest (back of the slice).
	kept := make([]*PooledConn, 0, len(tp.idle))
	excess := len(tp.idle) - tp.minConns
	for i, pc := range tp.idle {
		if i < excess && (pc.IsIdle(tp.idleTimeout) || pc.IsExpired(tp.maxLifetime)) {
			pc.Close()
			tp.total--
		} else {
			kept = append(kept, pc)
		}
	}
	tp.idle = kept
}

// StatsCallback is called periodically with pool stats for each tenant.
type StatsCallback func(stats Stats)

// Manager manages connection pools for all tenants.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*TenantPool
	defaults        config.PoolDefaults
	onPoolExhausted OnPoolExhausted
	statsCallback   StatsCallback
	statsStopCh     chan struct{}
	closeOnce       sync.Once

	reactor *reactor.Reactor // shared by every tenant pool's acquire-deadline timers
}

// NewManager creates a new pool manager. It starts one shared reactor,
// driven by a dedicated goroutine, used by every tenant pool it creates to
// arm Acquire() deadline timers.
func NewManager(defaults config.PoolDefaults) *Manager {
	m := &Manager{
		pools:       make(map[string]*TenantPool),
		defaults:    defaults,
		statsStopCh: make(chan struct{}),
	}

	go m.reapIdleTenantsLoop()

	r, err := reactor.New(nil)
	if err != nil {
		// The reactor only backs acquire-deadline timers; fall back to
		// per-waiter time.AfterFunc timers rather than failing pool startup.
		slog.Error("pool manager: reactor unavailable, falling back to per-waiter timers", "err", err)
		return m
	}
	m.reactor = r

	// Run blocks (via the reactor's internal condvar) whenever there is
	// nothing to do, so this loop costs nothing while every pool is idle.
	go func() {
		for {
			r.Run()
		}
	}()

	return m
}

// reapIdleTenantsLoop periodically drops tenant pools that have sat
// quiescent past their host timeout, the idle -> inShutdown -> destroyed
// transition in connection_pool.h. GetOrCreate transparently rebuilds a
// dropped pool on its next request.
func (m *Manager) reapIdleTenantsLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdleTenants()
		case <-m.statsStopCh:
			return
		}
	}
}

// reapIdleTenants removes and closes every tenant pool whose hostIdleExpired
// reports true.
func (m *Manager) reapIdleTenants() {
	m.mu.RLock()
	var expired []string
	for id, p := range m.pools {
		if p.hostIdleExpired() {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Remove(id)
	}
}

// SetOnPoolExhausted sets the callback for pool exhaustion events.
// Must be called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// StartStatsLoop starts a periodic goroutine that calls the stats callback for each pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.statsCallback = cb
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for a tenant, creating it lazily if needed.
func (m *Manager) GetOrCreate(tenantID string, tc config.TenantConfig) *TenantPool {
	m.mu.RLock()
	if p, ok := m.pools[tenantID]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if p, ok := m.pools[tenantID]; ok {
		return p
	}

	p := NewTenantPool(tenantID, tc, m.defaults, m.reactor)
	p.onPoolExhausted = m.onPoolExhausted
	m.pools[tenantID] = p
	slog.Info("created pool", "tenant", tenantID, "db_type", tc.DBType, "host", tc.Host, "port", tc.Port)
	return p
}

// Get returns the pool for a tenant if it exists.
func (m *Manager) Get(tenantID string) (*TenantPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[tenantID]
	return p, ok
}

// Remove closes and removes the pool for a tenant.
func (m *Manager) Remove(tenantID string) bool {
	m.mu.Lock()
	p, ok := m.pools[tenantID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, tenantID)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed pool", "tenant", tenantID)
	return true
}

// DrainTenant drains connections for a specific tenant.
func (m *Manager) DrainTenant(tenantID string) bool {
	m.mu.RLock()
	p, ok := m.pools[tenantID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	p.Drain()
	return true
}

// AllStats returns stats for all tenant pools.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// ReactorStats reports the shared reactor's current load, for the
// dbbouncer_reactor_* metrics gauges. ok is false if no reactor is active
// (construction failed and pools fell back to per-waiter timers).
func (m *Manager) ReactorStats() (pendingOps, activeTimers int, ok bool) {
	if m.reactor == nil {
		return 0, 0, false
	}
	pendingOps, activeTimers = m.reactor.Stats()
	return pendingOps, activeTimers, true
}

// TenantStats returns stats for a specific tenant pool.
func (m *Manager) TenantStats(tenantID string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[tenantID]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// UpdateDefaults updates the default pool settings.
func (m *Manager) UpdateDefaults(defaults config.PoolDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Close shuts down all pools and stops the stats loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
	})

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*TenantPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
