package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"depot-go/internal/database"
	"depot-go/internal/depot"
	"depot-go/internal/protocol"
)

// Reasons carried by DISCONNECT messages and AUTH replies.
const (
	ReasonAuthOK          = "Authentication successful"
	ReasonInvalidLicense  = "invalid license key format"
	ReasonLicenseExpired  = "license expired"
	ReasonAnotherSession  = "another session started"
	ReasonServerShutdown  = "server shutting down"
	ReasonAuthTimeout     = "authentication timeout"
	ReasonExpectedAuth    = "expected AUTH message"
	ReasonMalformedAuth   = "malformed AUTH payload"
	ReasonUnknownSession  = "session not found"
	ReasonPeerDisconnect  = "client disconnected"
	ReasonConnectionLost  = "connection lost"
	ReasonProtocolFailure = "protocol error"
)

// LicenseAuditor is implemented by user stores that keep a history of license
// extensions.
type LicenseAuditor interface {
	RecordExtension(e database.LicenseExtension) error
}

// AuthorityOptions tunes license defaults.
type AuthorityOptions struct {
	LicenseDays int // term granted on first login; default 30
	RateLimit   int // advisory requests/hour for new users; default 100
}

// Authority owns the user registry and every live session. It enforces the
// single-session-per-license rule, sweeps expired licenses and fans messages
// out to sessions. Registry state is guarded by mu; network I/O and store
// writes always happen outside it.
type Authority struct {
	store  depot.UserStore
	logger depot.Logger
	clock  depot.Clock
	opts   AuthorityOptions

	mu       sync.Mutex
	users    map[string]*depot.User // by license key
	sessions map[string]*Session    // every attached session, by ID

	storeMu sync.Mutex // serializes wholesale store rewrites
	events  *eventHub
}

// NewAuthority loads the registry from store. No session survives a restart,
// so every loaded record is forced offline.
func NewAuthority(store depot.UserStore, opts AuthorityOptions, logger depot.Logger, clock depot.Clock) (*Authority, error) {
	if opts.LicenseDays <= 0 {
		opts.LicenseDays = depot.DefaultLicenseDays
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = depot.DefaultRateLimit
	}

	loaded, err := store.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}

	a := &Authority{
		store:    store,
		logger:   logger,
		clock:    clock,
		opts:     opts,
		users:    make(map[string]*depot.User, len(loaded)),
		sessions: make(map[string]*Session),
		events:   newEventHub(),
	}

	stale := false
	for _, u := range loaded {
		if u.IsOnline || u.ActiveSessionID != "" {
			u.IsOnline = false
			u.ActiveSessionID = ""
			stale = true
		}
		a.users[u.LicenseKey] = u
	}
	if stale {
		if err := a.persist(); err != nil {
			return nil, err
		}
	}

	logger.Info("user registry loaded", "users", len(loaded))
	return a, nil
}

// Subscribe returns a channel of session events and a function that ends the
// subscription. Slow subscribers lose events rather than stall the server.
func (a *Authority) Subscribe() (<-chan Event, func()) {
	return a.events.subscribe()
}

func (a *Authority) emit(kind EventKind, sess *Session, reason string) {
	e := Event{
		Kind:       kind,
		SessionID:  sess.ID(),
		Username:   sess.Username(),
		RemoteAddr: sess.RemoteAddr(),
		Reason:     reason,
		Time:       a.clock.Now().UTC(),
	}
	if dropped := a.events.publish(e); dropped > 0 {
		a.logger.Debug("event dropped for slow subscribers", "kind", string(kind), "dropped", dropped)
	}
}

// attach registers a freshly accepted session, which starts waiting for AUTH.
func (a *Authority) attach(sess *Session) {
	sess.transition(StateConnecting, StateAuthPending)

	a.mu.Lock()
	a.sessions[sess.ID()] = sess
	a.mu.Unlock()

	a.logger.Debug("session attached", "session", sess.ID(), "remote", sess.RemoteAddr())
	a.emit(EventConnected, sess, "")
}

// Authenticate decides an AUTH request from session sessionID. It returns
// whether the session is accepted and a human-readable reason. A previous live
// session holding the same license is evicted; the newest session wins.
func (a *Authority) Authenticate(sessionID, username, licenseKey, remoteAddr string) (bool, string) {
	now := a.clock.Now().UTC()

	a.mu.Lock()
	sess := a.sessions[sessionID]
	if sess == nil {
		a.mu.Unlock()
		return false, ReasonUnknownSession
	}

	var evicted *Session
	u := a.users[licenseKey]
	if u == nil {
		if !depot.IsValidLicenseKey(licenseKey) {
			a.mu.Unlock()
			a.logger.Info("authentication rejected", "session", sessionID, "username", username, "reason", ReasonInvalidLicense)
			return false, ReasonInvalidLicense
		}
		u = depot.NewUser(username, licenseKey, remoteAddr, now, a.opts.LicenseDays)
		u.RateLimit = a.opts.RateLimit
		a.users[licenseKey] = u
		a.logger.Info("new license registered", "username", username, "expires", u.LicenseExpiration)
	} else {
		if u.IsExpired(now) {
			a.mu.Unlock()
			a.logger.Info("authentication rejected", "session", sessionID, "username", username, "reason", ReasonLicenseExpired)
			return false, ReasonLicenseExpired
		}
		if u.ActiveSessionID != "" && u.ActiveSessionID != sessionID {
			evicted = a.sessions[u.ActiveSessionID]
		}
		u.Username = username
		u.IP = remoteAddr
		u.LastLogin = now
		u.IsOnline = true
	}
	u.ActiveSessionID = sessionID

	if !sess.bind(username, licenseKey) {
		// The session closed while we were deciding; undo the binding.
		if u.ActiveSessionID == sessionID {
			u.ActiveSessionID = ""
			u.IsOnline = false
		}
		a.mu.Unlock()
		return false, ReasonConnectionLost
	}
	a.mu.Unlock()

	if evicted != nil {
		a.logger.Info("evicting previous session", "session", evicted.ID(), "username", evicted.Username())
		a.terminate(evicted, ReasonAnotherSession, EventEvicted)
	}

	if err := a.persist(); err != nil {
		a.logger.Error("persisting user registry", "error", err)
	}

	a.logger.Info("session authenticated", "session", sessionID, "username", username, "remote", remoteAddr)
	a.emit(EventAuthenticated, sess, "")
	return true, ReasonAuthOK
}

// Broadcast sends content to every authenticated session and returns how many
// received it. The session set is snapshotted first so no lock is held during I/O.
func (a *Authority) Broadcast(content string, t protocol.Type) int {
	targets := a.authenticatedSessions()

	msg := protocol.New(t, content, protocol.ServerSender, a.clock.Now())
	delivered := 0
	for _, sess := range targets {
		if err := sess.SendMessage(msg); err != nil {
			a.logger.Warn("broadcast delivery failed", "session", sess.ID(), "error", err)
			continue
		}
		delivered++
	}
	a.logger.Info("broadcast sent", "type", string(t), "delivered", delivered, "targets", len(targets))
	return delivered
}

// SendTo delivers one message to sessionID. A session that no longer exists is
// not an error; the peer may have raced a disconnect.
func (a *Authority) SendTo(sessionID, content string, t protocol.Type) error {
	a.mu.Lock()
	sess := a.sessions[sessionID]
	a.mu.Unlock()

	if sess == nil {
		a.logger.Debug("send to missing session", "session", sessionID, "type", string(t))
		return nil
	}
	if err := sess.Send(t, content); err != nil {
		return fmt.Errorf("sending %s to %s: %w", t, sessionID, err)
	}
	return nil
}

// Disconnect sends DISCONNECT with reason, closes the session and releases
// its license. It reports whether the session existed.
func (a *Authority) Disconnect(sessionID, reason string) bool {
	a.mu.Lock()
	sess := a.sessions[sessionID]
	a.mu.Unlock()

	if sess == nil {
		a.logger.Debug("disconnect of missing session", "session", sessionID)
		return false
	}
	a.terminate(sess, reason, EventDisconnected)
	return true
}

// DisconnectAll terminates every attached session, authenticated or not.
func (a *Authority) DisconnectAll(reason string) int {
	a.mu.Lock()
	all := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		all = append(all, s)
	}
	a.mu.Unlock()

	for _, s := range all {
		a.terminate(s, reason, EventDisconnected)
	}
	return len(all)
}

// Sweep disconnects every online user whose license has expired and returns
// how many sessions it closed.
func (a *Authority) Sweep() int {
	now := a.clock.Now()

	a.mu.Lock()
	var victims []*Session
	orphaned := false
	for _, u := range a.users {
		if !u.IsOnline || !u.IsExpired(now) {
			continue
		}
		if sess := a.sessions[u.ActiveSessionID]; sess != nil {
			victims = append(victims, sess)
			continue
		}
		// Online without a live session: repair the record.
		u.IsOnline = false
		u.ActiveSessionID = ""
		orphaned = true
	}
	a.mu.Unlock()

	for _, sess := range victims {
		a.terminate(sess, ReasonLicenseExpired, EventDisconnected)
	}
	if orphaned {
		if err := a.persist(); err != nil {
			a.logger.Error("persisting user registry", "error", err)
		}
	}

	if len(victims) > 0 {
		a.logger.Info("license sweep", "disconnected", len(victims))
	}
	return len(victims)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *Authority) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// ExtendLicense pushes the expiration of licenseKey out by days, counted from
// the later of the current expiration and now. The online holder, if any, is
// notified. It returns false when the license is unknown.
func (a *Authority) ExtendLicense(licenseKey string, days int) (bool, error) {
	if days <= 0 {
		return false, fmt.Errorf("days must be positive, got %d", days)
	}
	now := a.clock.Now().UTC()

	a.mu.Lock()
	u := a.users[licenseKey]
	if u == nil {
		a.mu.Unlock()
		return false, nil
	}
	base := u.LicenseExpiration
	if base.Before(now) {
		base = now
	}
	u.LicenseExpiration = base.AddDate(0, 0, days)
	newExpiration := u.LicenseExpiration
	sessionID := ""
	if u.IsOnline {
		sessionID = u.ActiveSessionID
	}
	a.mu.Unlock()

	if err := a.persist(); err != nil {
		return true, err
	}
	if auditor, ok := a.store.(LicenseAuditor); ok {
		entry := database.LicenseExtension{LicenseKey: licenseKey, Days: days, NewExpiration: newExpiration, CreatedAt: now}
		if err := auditor.RecordExtension(entry); err != nil {
			a.logger.Warn("recording license extension", "error", err)
		}
	}

	a.logger.Info("license extended", "days", days, "expires", newExpiration)
	if sessionID != "" {
		note := fmt.Sprintf("Your license has been extended by %d days, until %s", days, newExpiration.Format(time.RFC3339))
		if err := a.SendTo(sessionID, note, protocol.TypeNotification); err != nil {
			a.logger.Warn("license extension notice not delivered", "session", sessionID, "error", err)
		}
	}
	return true, nil
}

// GetOnlineUsers returns copies of the online users, ordered by username.
func (a *Authority) GetOnlineUsers() []depot.User {
	return a.collectUsers(func(u *depot.User) bool { return u.IsOnline })
}

// Users returns copies of every known user, ordered by username.
func (a *Authority) Users() []depot.User {
	return a.collectUsers(func(*depot.User) bool { return true })
}

// User returns a copy of the record for licenseKey.
func (a *Authority) User(licenseKey string) (depot.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[licenseKey]
	if !ok {
		return depot.User{}, false
	}
	return *u, true
}

// SessionCount returns the number of attached sessions, authenticated or not.
func (a *Authority) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Authority) collectUsers(keep func(*depot.User) bool) []depot.User {
	a.mu.Lock()
	out := make([]depot.User, 0, len(a.users))
	for _, u := range a.users {
		if keep(u) {
			out = append(out, *u)
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].LicenseKey < out[j].LicenseKey
	})
	return out
}

func (a *Authority) authenticatedSessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		if s.State() == StateAuthenticated {
			out = append(out, s)
		}
	}
	return out
}

// terminate is the server-initiated teardown: DISCONNECT, close, release.
// The session leaves the registry before its socket closes, so the read loop
// woken by the close cannot claim the teardown with a reason of its own.
func (a *Authority) terminate(sess *Session, reason string, kind EventKind) {
	owned, changed := a.detach(sess)
	if owned && sess.State() != StateClosed {
		if err := sess.sendDisconnect(reason); err != nil {
			a.logger.Debug("disconnect notice not delivered", "session", sess.ID(), "error", err)
		}
	}
	sess.close()
	if owned {
		a.finish(sess, reason, kind, changed)
	}
}

// release closes sess and, unless another teardown already claimed it,
// takes its user offline. Only the first claim for a session has any effect.
func (a *Authority) release(sess *Session, reason string, kind EventKind) {
	sess.close()
	if owned, changed := a.detach(sess); owned {
		a.finish(sess, reason, kind, changed)
	}
}

// detach removes sess from the registry and unbinds its user if the user is
// still bound to it. owned is false when the session was already gone.
func (a *Authority) detach(sess *Session) (owned, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sess.ID()]; !ok {
		return false, false
	}
	delete(a.sessions, sess.ID())

	if key := sess.LicenseKey(); key != "" {
		if u := a.users[key]; u != nil && u.ActiveSessionID == sess.ID() {
			u.IsOnline = false
			u.ActiveSessionID = ""
			changed = true
		}
	}
	return true, changed
}

func (a *Authority) finish(sess *Session, reason string, kind EventKind, changed bool) {
	if changed {
		if err := a.persist(); err != nil {
			a.logger.Error("persisting user registry", "error", err)
		}
	}
	a.logger.Info("session closed", "session", sess.ID(), "username", sess.Username(), "reason", reason)
	a.emit(kind, sess, reason)
}

// persist writes the whole registry. The snapshot is taken while holding
// storeMu so concurrent writers can never store an older view last.
func (a *Authority) persist() error {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	a.mu.Lock()
	snapshot := make([]*depot.User, 0, len(a.users))
	for _, u := range a.users {
		snapshot = append(snapshot, u.Clone())
	}
	a.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].LicenseKey < snapshot[j].LicenseKey })
	if err := a.store.SaveUsers(snapshot); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	return nil
}
