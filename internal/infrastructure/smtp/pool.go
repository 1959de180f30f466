// SPDX-License-Identifier: AGPL-3.0-or-later

// Package smtp implements the lease-based connection pool described in
// spec §4.5: authenticated sessions are reused across sequential sends,
// bounded per account, and reaped once idle beyond their TTL. It wraps
// go-mail/mail/v2's Dialer, the same SMTP client the teacher uses for its
// synchronous sender (internal/infrastructure/email/sender.go), but keeps
// the resulting SendCloser alive across multiple messages instead of
// dialing once per send.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// sessionState mirrors spec §4.5's Open -> Authenticated -> (Leased <-> Idle) -> Closed.
type sessionState int

const (
	stateIdle sessionState = iota
	stateLeased
	stateClosed
)

type session struct {
	accountID  string
	closer     mail.SendCloser
	state      sessionState
	lastUsedAt time.Time
	openedAt   time.Time
	ttl        time.Duration // account's ConnectionTTLHint override, or the pool default
}

// Lease is an exclusive loan of one authenticated SMTP session.
type Lease struct {
	pool    *Pool
	session *session
}

// Send delivers one already-composed message through the leased session.
// go-mail surfaces protocol failures as *textproto.Error; FromError unwraps
// that into a *ResponseError so Classifier.Classify can switch on the SMTP
// reply code instead of falling back to substring matching.
func (l *Lease) Send(msgs ...*mail.Message) error {
	err := mail.Send(l.session.closer, msgs...)
	if err == nil {
		return nil
	}
	if respErr, ok := FromError(err); ok {
		return respErr
	}
	return err
}

// DefaultTTL and DefaultMaxPerAccount are the pool's baseline tuning values;
// an account overrides the TTL via Account.ConnectionTTLHint and the
// session cap via Account.BatchSizeHint.
const (
	DefaultTTL            = 90 * time.Second
	DefaultMaxPerAccount  = 4
	DefaultReapInterval   = 15 * time.Second
	probeTimeout          = 5 * time.Second
)

// AccountResolver supplies the live Account configuration for dialing,
// keeping the pool decoupled from the storage adapter.
type AccountResolver interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Pool grants leases on authenticated SMTP sessions keyed by account id.
type Pool struct {
	accounts AccountResolver

	mu       sync.Mutex
	idle     map[string][]*session // accountID -> idle sessions
	leased   map[string]int        // accountID -> count of leased sessions
	waiters  map[string][]chan struct{}

	maxPerAccount int
	ttl           time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPool(accounts AccountResolver) *Pool {
	p := &Pool{
		accounts:      accounts,
		idle:          make(map[string][]*session),
		leased:        make(map[string]int),
		waiters:       make(map[string][]chan struct{}),
		maxPerAccount: DefaultMaxPerAccount,
		ttl:           DefaultTTL,
		stopCh:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// Stop halts the background reaper and force-closes every idle session;
// sessions currently leased are not closed by Stop.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for acct, sessions := range p.idle {
		for _, s := range sessions {
			_ = s.closer.Close()
			s.state = stateClosed
		}
		p.idle[acct] = nil
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	t := time.NewTicker(DefaultReapInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for acct, sessions := range p.idle {
		kept := sessions[:0]
		for _, s := range sessions {
			if now.Sub(s.lastUsedAt) > s.ttl {
				_ = s.closer.Close()
				logger.Logger.Debug("smtp pool reaped idle session", "account_id", acct)
				continue
			}
			kept = append(kept, s)
		}
		p.idle[acct] = kept
	}
}

// Acquire returns a lease on an authenticated session for account, reusing
// an idle one if a lightweight liveness probe succeeds, otherwise dialing a
// new connection. Excess acquires beyond max_per_account block until a
// lease is released.
func (p *Pool) Acquire(ctx context.Context, account *models.Account) (*Lease, error) {
	for {
		p.mu.Lock()
		if s := p.popIdleLocked(account.ID); s != nil {
			p.leased[account.ID]++
			p.mu.Unlock()

			if p.probe(s) {
				s.state = stateLeased
				return &Lease{pool: p, session: s}, nil
			}
			_ = s.closer.Close()
			p.mu.Lock()
			p.leased[account.ID]--
			p.mu.Unlock()
			// fall through to dial a fresh session
		} else {
			if p.leased[account.ID] < p.effectiveMax(account) {
				p.leased[account.ID]++
				p.mu.Unlock()
			} else {
				wait := make(chan struct{})
				p.waiters[account.ID] = append(p.waiters[account.ID], wait)
				p.mu.Unlock()
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		s, err := p.dial(ctx, account)
		if err != nil {
			p.mu.Lock()
			p.leased[account.ID]--
			p.mu.Unlock()
			p.wakeOne(account.ID)
			return nil, err
		}
		s.state = stateLeased
		return &Lease{pool: p, session: s}, nil
	}
}

func (p *Pool) effectiveMax(account *models.Account) int {
	if account.BatchSizeHint > 0 {
		return account.BatchSizeHint
	}
	return p.maxPerAccount
}

func (p *Pool) popIdleLocked(accountID string) *session {
	sessions := p.idle[accountID]
	if len(sessions) == 0 {
		return nil
	}
	s := sessions[len(sessions)-1]
	p.idle[accountID] = sessions[:len(sessions)-1]
	return s
}

// probe issues a lightweight liveness check (NOOP) on an idle session whose
// age is still within the TTL, per spec §4.5.
func (p *Pool) probe(s *session) bool {
	if time.Since(s.lastUsedAt) > s.ttl {
		return false
	}
	type noopClient interface{ Noop() error }
	if nc, ok := s.closer.(noopClient); ok {
		if err := nc.Noop(); err != nil {
			return false
		}
	}
	return true
}

func (p *Pool) dial(ctx context.Context, account *models.Account) (*session, error) {
	d := mail.NewDialer(account.Host, account.Port, account.Username, decryptPlaceholder(account.PasswordEncrypted))

	switch account.TLSMode {
	case models.TLSModeImplicit:
		d.SSL = true
		d.TLSConfig = &tls.Config{ServerName: account.Host}
	case models.TLSModeStartTLS:
		d.TLSConfig = &tls.Config{ServerName: account.Host}
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case models.TLSModeNone:
		// plaintext, nothing to configure
	}

	ttl := p.ttl
	if account.ConnectionTTLHint > 0 {
		ttl = time.Duration(account.ConnectionTTLHint) * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_ = dialCtx // go-mail's Dialer.Dial has no context parameter; timeout is set on d.Timeout below.
	d.Timeout = probeTimeout

	closer, err := d.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp pool: dial %s: %w", account.Host, err)
	}

	now := time.Now()
	s := &session{
		accountID:  account.ID,
		closer:     closer,
		state:      stateLeased,
		lastUsedAt: now,
		openedAt:   now,
		ttl:        ttl,
	}
	logger.Logger.Info("smtp pool opened session", "account_id", account.ID, "host", account.Host, "tls_mode", account.TLSMode, "ttl", ttl)
	return s, nil
}

// Release returns the session to idle, or discards it when unhealthy or
// past its TTL. Any send failure must transition the session to Closed
// (spec §4.5).
func (p *Pool) Release(lease *Lease, healthy bool) {
	s := lease.session
	s.lastUsedAt = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased[s.accountID]--

	if !healthy || time.Since(s.openedAt) > s.ttl {
		_ = s.closer.Close()
		s.state = stateClosed
	} else {
		s.state = stateIdle
		p.idle[s.accountID] = append(p.idle[s.accountID], s)
	}
	p.wakeOneLocked(s.accountID)
}

func (p *Pool) wakeOne(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeOneLocked(accountID)
}

func (p *Pool) wakeOneLocked(accountID string) {
	waiters := p.waiters[accountID]
	if len(waiters) == 0 {
		return
	}
	close(waiters[0])
	p.waiters[accountID] = waiters[1:]
}

// decryptPlaceholder stands in for the out-of-scope credential-encryption
// layer (spec §1): accounts are handed to the core with already-decrypted
// secrets in this core's test/embedding harness, so this simply returns the
// blob as a string. Production wiring replaces this at the boundary that
// loads Account from storage, not inside the pool.
func decryptPlaceholder(blob []byte) string {
	return string(blob)
}
