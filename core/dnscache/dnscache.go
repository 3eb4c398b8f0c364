// Package dnscache implements the DNS Cache: a two-layer resolver
// sitting in front of the IMAP/SMTP connection loops so a flaky or
// slow DNS server does not stall every reconnect attempt. The first
// layer is an in-memory map for the lifetime of the process; the
// second is the DnsCache table, so a restart does not start the
// account back at zero resolutions before the scheduler can dial
// out. The map+mutex shape is grounded on spilldb/boxmgmt's
// lazy-open-and-cache pattern for *User, generalized here to cache
// resolved addresses instead of open mailboxes.
package dnscache

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
	"inkmail.dev/chatcore/internal/throttle"
)

// ttl is how long a successful resolution is trusted before Lookup
// resolves the hostname again; that re-resolution runs synchronously
// inside the Lookup call, and no background revalidation is started
// while a stale entry is served. A failed resolution is
// retried no sooner than failTTL so a downed resolver doesn't turn
// into a busy loop.
const (
	ttl     = 10 * time.Minute
	failTTL = 2 * time.Minute
)

// Resolver is the subset of *net.Resolver the cache needs, so tests
// can substitute a fake without touching the network.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// Cache is the DNS Cache. Hostname is expected to be an IMAP or SMTP
// server name pulled from account configuration or an MX record, not
// a user-facing email domain.
type Cache struct {
	DB       *sqlitex.Pool
	Resolver Resolver
	Throttle throttle.Throttle
	Logf     elog.Logf

	mu      sync.Mutex
	entries map[string]model.DnsCacheEntry
}

// fallbackAddrs is the compiled-in fallback table: IPs for well-known
// providers, used when the resolver yields nothing and no persistent
// cache entry exists either (a resolver that is down shouldn't also
// take down mail to the providers most people actually use).
var fallbackAddrs = map[string][]string{
	"imap.gmail.com": {"142.250.110.108", "142.250.110.109"},
	"smtp.gmail.com": {"142.250.110.109"},
	"nine.testrun.org": {"116.202.233.236", "128.140.126.197", "49.12.116.128"},
	"disroot.org":      {"178.21.23.139"},
}

// New wires a Cache around db using net.DefaultResolver.
func New(db *sqlitex.Pool) *Cache {
	return &Cache{
		DB:       db,
		Resolver: net.DefaultResolver,
		Logf:     elog.New("dnscache"),
		entries:  make(map[string]model.DnsCacheEntry),
	}
}

// Lookup returns cached addresses for hostname, resolving (and
// persisting the result) if the in-memory entry is missing or
// stale. A failed lookup still returns the last-known-good address
// list, if any, so a transient DNS outage does not immediately stop
// an account that already knows how to reach its server.
func (c *Cache) Lookup(ctx context.Context, hostname string) ([]string, error) {
	if e, ok := c.fresh(hostname); ok {
		return e.Addrs, nil
	}

	entry, loadErr := c.load(ctx, hostname)
	if loadErr == nil && c.isFresh(entry) {
		c.remember(entry)
		return entry.Addrs, nil
	}

	c.Throttle.Throttle(hostname)
	addrs, err := c.Resolver.LookupHost(ctx, hostname)
	now := time.Now()
	if err != nil {
		c.Throttle.Add(hostname)
		c.Logf("dnscache: lookup %s failed: %v", hostname, err)
		failed := model.DnsCacheEntry{Hostname: hostname, Addrs: entry.Addrs, Timestamp: now, Failed: true}
		c.remember(failed)
		if saveErr := c.save(ctx, failed); saveErr != nil {
			c.Logf("dnscache: save failed entry for %s: %v", hostname, saveErr)
		}
		if len(failed.Addrs) > 0 {
			return failed.Addrs, nil
		}
		if fallback, ok := fallbackAddrs[hostname]; ok {
			c.Logf("dnscache: %s: resolver and cache both empty, using compiled-in fallback", hostname)
			return fallback, nil
		}
		return nil, fmt.Errorf("dnscache: %s: %w", hostname, err)
	}

	fresh := model.DnsCacheEntry{Hostname: hostname, Addrs: addrs, Timestamp: now, Failed: false}
	c.remember(fresh)
	if err := c.save(ctx, fresh); err != nil {
		c.Logf("dnscache: save %s: %v", hostname, err)
	}
	return addrs, nil
}

// Forget drops hostname's in-memory entry, so the next Lookup
// re-resolves instead of trusting a now-possibly-stale address (used
// when a JobConfigureImap job changes the account's server settings).
func (c *Cache) Forget(hostname string) {
	c.mu.Lock()
	delete(c.entries, hostname)
	c.mu.Unlock()

	// Mark the persisted row stale too, keeping its addresses as the
	// last-known-good fallback for a failed re-resolution.
	conn := c.DB.Get(context.Background())
	if conn == nil {
		return
	}
	defer c.DB.Put(conn)
	stmt := conn.Prep(`UPDATE DnsCache SET Timestamp = 0 WHERE Hostname = $hostname;`)
	stmt.SetText("$hostname", hostname)
	if _, err := stmt.Step(); err != nil {
		c.Logf("dnscache: forget %s: %v", hostname, err)
	}
}

func (c *Cache) fresh(hostname string) (model.DnsCacheEntry, bool) {
	c.mu.Lock()
	e, ok := c.entries[hostname]
	c.mu.Unlock()
	if !ok {
		return model.DnsCacheEntry{}, false
	}
	return e, c.isFresh(e)
}

func (c *Cache) isFresh(e model.DnsCacheEntry) bool {
	if e.Timestamp.IsZero() {
		return false
	}
	limit := ttl
	if e.Failed {
		limit = failTTL
	}
	return time.Since(e.Timestamp) < limit
}

func (c *Cache) remember(e model.DnsCacheEntry) {
	c.mu.Lock()
	c.entries[e.Hostname] = e
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, hostname string) (model.DnsCacheEntry, error) {
	conn := c.DB.Get(ctx)
	if conn == nil {
		return model.DnsCacheEntry{}, context.Canceled
	}
	defer c.DB.Put(conn)

	stmt := conn.Prep(`SELECT Addrs, Timestamp, Failed FROM DnsCache WHERE Hostname = $hostname;`)
	stmt.SetText("$hostname", hostname)
	hasRow, err := stmt.Step()
	if err != nil {
		return model.DnsCacheEntry{}, err
	}
	if !hasRow {
		stmt.Reset()
		return model.DnsCacheEntry{}, fmt.Errorf("dnscache: no row for %s", hostname)
	}
	var addrs []string
	if err := json.Unmarshal([]byte(stmt.GetText("Addrs")), &addrs); err != nil {
		stmt.Reset()
		return model.DnsCacheEntry{}, err
	}
	e := model.DnsCacheEntry{
		Hostname:  hostname,
		Addrs:     addrs,
		Timestamp: time.Unix(stmt.GetInt64("Timestamp"), 0).UTC(),
		Failed:    stmt.GetInt64("Failed") != 0,
	}
	stmt.Reset()
	return e, nil
}

// LookupRanked resolves hostname the way the I/O Scheduler actually
// dials out (§4.10): up to the first 2 resolver results, then the
// addresses the persistent cache holds for hostname, then the rest of
// the resolver results, with duplicates dropped and the list capped at
// 10 total addresses. The cached addresses keep their stored order:
// rankedCached's ConnectionHistory join only orders whole DnsCache
// rows, of which a hostname has one, so individual addresses are not
// reordered by connection recency.
func (c *Cache) LookupRanked(ctx context.Context, hostname string, port int, alpn string) ([]string, error) {
	resolved, err := c.Lookup(ctx, hostname)
	if err != nil {
		return nil, err
	}

	head := resolved
	var tail []string
	if len(resolved) > 2 {
		head = resolved[:2]
		tail = resolved[2:]
	}

	ranked, err := c.rankedCached(ctx, hostname, port, alpn)
	if err != nil {
		c.Logf("dnscache: rank %s: %v", hostname, err)
		ranked = nil
	}

	seen := make(map[string]bool, len(head))
	out := append([]string{}, head...)
	for _, a := range head {
		seen[a] = true
	}
	for _, a := range ranked {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range tail {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}

// RecordConnection upserts the (alpn, hostname, port, addr) row of
// ConnectionHistory with the current time, after a successful TLS
// handshake with strict checks. LookupRanked does not move addr ahead
// of other cached addresses on the strength of this row (see its
// comment).
func (c *Cache) RecordConnection(ctx context.Context, alpn, hostname string, port int, addr string) error {
	conn := c.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer c.DB.Put(conn)

	stmt := conn.Prep(`INSERT INTO ConnectionHistory (Alpn, Host, Port, Addr, Timestamp) VALUES ($alpn, $host, $port, $addr, $ts)
		ON CONFLICT(Alpn, Host, Port, Addr) DO UPDATE SET Timestamp=excluded.Timestamp;`)
	stmt.SetText("$alpn", alpn)
	stmt.SetText("$host", hostname)
	stmt.SetInt64("$port", int64(port))
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$ts", time.Now().Unix())
	_, err := stmt.Step()
	return err
}

func (c *Cache) rankedCached(ctx context.Context, hostname string, port int, alpn string) ([]string, error) {
	conn := c.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer c.DB.Put(conn)

	stmt := conn.Prep(`SELECT dc.Addrs
		FROM DnsCache dc
		LEFT JOIN ConnectionHistory ch
			ON ch.Host = dc.Hostname AND ch.Port = $port AND ch.Alpn = $alpn
		WHERE dc.Hostname = $hostname
		ORDER BY IFNULL(ch.Timestamp, dc.Timestamp) DESC;`)
	stmt.SetText("$hostname", hostname)
	stmt.SetInt64("$port", int64(port))
	stmt.SetText("$alpn", alpn)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, nil
	}
	var addrs []string
	err = json.Unmarshal([]byte(stmt.GetText("Addrs")), &addrs)
	stmt.Reset()
	return addrs, err
}

func (c *Cache) save(ctx context.Context, e model.DnsCacheEntry) error {
	conn := c.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer c.DB.Put(conn)

	b, err := json.Marshal(e.Addrs)
	if err != nil {
		return err
	}

	stmt := conn.Prep(`INSERT INTO DnsCache (Hostname, Addrs, Timestamp, Failed) VALUES ($h, $addrs, $ts, $failed)
		ON CONFLICT(Hostname) DO UPDATE SET Addrs=excluded.Addrs, Timestamp=excluded.Timestamp, Failed=excluded.Failed;`)
	stmt.SetText("$h", e.Hostname)
	stmt.SetText("$addrs", string(b))
	stmt.SetInt64("$ts", e.Timestamp.Unix())
	stmt.SetBool("$failed", e.Failed)
	_, err = stmt.Step()
	return err
}
