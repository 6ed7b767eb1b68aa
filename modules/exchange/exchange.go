// Package exchange implements the merchant's exchange liaison: long-lived
// connections to the trusted exchanges, their key material and wire-fee
// schedules, and the find-exchange lookup every other subsystem uses.
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

const (
	// keysRefreshInterval bounds how stale a /keys structure may get
	// before the background refresher downloads it again.
	keysRefreshInterval = 1 * time.Hour

	// keysRetryInterval is how soon a failed /keys download is retried.
	keysRetryInterval = 1 * time.Minute
)

// An Exchange is one trusted exchange: its configuration, the most recent
// /keys structure, and the wire-fee table learned from it. An exchange is
// pending until its first successful /keys fetch (keys == nil).
type Exchange struct {
	pool      *Pool
	url       string
	masterPub crypto.PublicKey
	trusted   bool

	// The fields below are owned by the pool's mutex.
	keys      *types.ExchangeKeys
	wireFees  map[string][]types.WireFee
	lastFetch time.Time
	lastErr   error
	fetching  chan struct{}
}

// A Pool maintains the set of trusted exchanges. It is internally
// synchronized; all exported operations are safe for concurrent use and
// honor context cancellation.
type Pool struct {
	mu        demotemutex.DemoteMutex
	exchanges map[string]*Exchange
	client    *http.Client
	store     modules.Store
	log       *persist.Logger
	tg        threadgroup.ThreadGroup
}

// New reads the TRUSTED_EXCHANGES option and the exchange-* sections,
// opens a client context per exchange, and schedules the initial /keys
// downloads. The store is used to persist learned wire-fee windows; it may
// be nil in tools that only need lookups.
func New(cfg *config.Config, store modules.Store, log *persist.Logger) (*Pool, error) {
	p := &Pool{
		exchanges: make(map[string]*Exchange),
		client:    &http.Client{},
		store:     store,
		log:       log,
	}

	merchant := cfg.Section("merchant")
	if merchant == nil {
		return nil, errors.New("missing [merchant] configuration section")
	}
	tokens := strings.Fields(merchant.OptString("trusted_exchanges", ""))
	for _, token := range tokens {
		s := cfg.Section("exchange-" + token)
		if s == nil {
			return nil, errors.New("TRUSTED_EXCHANGES names unknown section exchange-" + token)
		}
		baseURL, err := s.String("base_url")
		if err != nil {
			return nil, err
		}
		masterStr, err := s.String("master_key")
		if err != nil {
			return nil, err
		}
		var masterPub crypto.PublicKey
		if err := masterPub.LoadString(masterStr); err != nil {
			return nil, errors.AddContext(err, "invalid master key for exchange "+token)
		}
		trusted, err := s.Bool("trusted", true)
		if err != nil {
			return nil, err
		}
		url := canonicalURL(baseURL)
		p.exchanges[url] = &Exchange{
			pool:      p,
			url:       url,
			masterPub: masterPub,
			trusted:   trusted,
		}
	}

	// Kick off the initial downloads and the periodic refresher.
	if err := p.tg.Add(); err != nil {
		return nil, err
	}
	go p.refreshLoop()
	return p, nil
}

// Close stops background refreshes and releases all connections.
func (p *Pool) Close() error {
	p.client.CloseIdleConnections()
	return p.tg.Stop()
}

// canonicalURL normalizes an exchange base URL so lookups with and without
// a trailing slash hit the same entry.
func canonicalURL(url string) string {
	return strings.TrimRight(url, "/") + "/"
}

// refreshLoop periodically redownloads /keys of every exchange.
func (p *Pool) refreshLoop() {
	defer p.tg.Done()
	for {
		p.mu.RLock()
		exchanges := make([]*Exchange, 0, len(p.exchanges))
		for _, e := range p.exchanges {
			exchanges = append(exchanges, e)
		}
		p.mu.RUnlock()

		for _, e := range exchanges {
			p.ensureKeys(e)
		}

		select {
		case <-p.tg.StopChan():
			return
		case <-time.After(keysRetryInterval):
		}
	}
}

// ensureKeys arranges for the exchange's keys to be fresh, deduplicating
// concurrent fetches. The returned channel is closed when the in-flight
// fetch (if any) completes.
func (p *Pool) ensureKeys(e *Exchange) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.fetching != nil {
		return e.fetching
	}
	fresh := e.keys != nil && time.Since(e.lastFetch) < keysRefreshInterval
	failedRecently := e.keys == nil && !e.lastFetch.IsZero() && time.Since(e.lastFetch) < keysRetryInterval
	if fresh || failedRecently {
		done := make(chan struct{})
		close(done)
		return done
	}

	done := make(chan struct{})
	e.fetching = done
	if err := p.tg.Add(); err != nil {
		// Shutting down; report the exchange as unreachable.
		e.fetching = nil
		e.lastErr = err
		close(done)
		return done
	}
	go func() {
		defer p.tg.Done()
		p.fetchKeys(e)
		p.mu.Lock()
		e.fetching = nil
		p.mu.Unlock()
		close(done)
	}()
	return done
}

// FindExchange resolves a live handle for the given base URL, together with
// the current wire fee for wireMethod (empty means no fee requested) and
// whether the exchange is directly trusted. Unknown URLs fail fast: trust
// is only ever established through configuration and auditors, never by
// downloading keys from a wallet-provided URL.
func (p *Pool) FindExchange(ctx context.Context, url, wireMethod string) (modules.ExchangeHandle, *types.Amount, bool, error) {
	p.mu.RLock()
	e, ok := p.exchanges[canonicalURL(url)]
	p.mu.RUnlock()
	if !ok {
		return nil, nil, false, modules.ErrExchangeNotAcceptable
	}

	// Await fresh keys, bounded by the caller's context and shutdown.
	done := p.ensureKeys(e)
	select {
	case <-done:
	case <-ctx.Done():
		return nil, nil, false, ctx.Err()
	case <-p.tg.StopChan():
		return nil, nil, false, errors.New("shutdown in progress")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if e.keys == nil {
		err := modules.ErrExchangeNotReachable
		if e.lastErr != nil {
			err = errors.Compose(err, e.lastErr)
		}
		return nil, nil, false, err
	}
	if wireMethod == "" {
		return e, nil, e.trusted, nil
	}
	fee, err := e.currentWireFee(wireMethod, types.Now())
	if err != nil {
		return nil, nil, false, err
	}
	return e, fee, e.trusted, nil
}

// currentWireFee returns the wire fee of the window covering now. The
// caller must hold the pool lock.
func (e *Exchange) currentWireFee(wireMethod string, now types.Timestamp) (*types.Amount, error) {
	for _, w := range e.wireFees[wireMethod] {
		if !now.Before(w.StartDate) && now.Before(w.EndDate) {
			fee := w.WireFee
			return &fee, nil
		}
	}
	return nil, modules.ErrNoWireFee
}

// TrustedExchangesJSON returns the (url, master key) array embedded in
// signed contracts. It reflects the configured trust anchors; entries do
// not wait for the first /keys response since the master key is part of
// the configuration.
func (p *Pool) TrustedExchangesJSON() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type entry struct {
		URL       string           `json:"url"`
		MasterPub crypto.PublicKey `json:"master_pub"`
	}
	list := make([]entry, 0, len(p.exchanges))
	for _, url := range p.sortedURLs() {
		e := p.exchanges[url]
		if !e.trusted {
			continue
		}
		list = append(list, entry{URL: e.url, MasterPub: e.masterPub})
	}
	j, err := json.Marshal(list)
	if err != nil {
		p.log.Critical("unable to marshal trusted exchange list:", err)
		return json.RawMessage("[]")
	}
	return j
}

// sortedURLs returns the exchange URLs in a stable order. The caller must
// hold the pool lock.
func (p *Pool) sortedURLs() []string {
	urls := make([]string, 0, len(p.exchanges))
	for url := range p.exchanges {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}
