package mixer

import (
	"context"
	"sync"
	"time"

	"gitlab.com/distributed_lab/logan/v3"

	"github.com/darkwallet/mixer-svc/internal/channel"
	"github.com/darkwallet/mixer-svc/internal/events"
	"github.com/darkwallet/mixer-svc/internal/safe"
	"github.com/darkwallet/mixer-svc/internal/wallet"
	"github.com/darkwallet/mixer-svc/pkg/types"
)

const (
	// DefaultGuestFee is the fixed fee a guest contributes to a join.
	DefaultGuestFee = 50_000

	// DefaultRetryInterval paces announcement retries and liveness checks.
	DefaultRetryInterval = 10 * time.Second

	// DefaultTimeoutSeconds bounds the announce phase of a task that does
	// not set its own timeout.
	DefaultTimeoutSeconds = 60
)

// GUITopic and GUIType address mixer notifications on the event bus.
const (
	GUITopic = "gui"
	GUIType  = "mixer"
)

// Params tunes the coordinator. Zero values fall back to the defaults.
type Params struct {
	GuestFee      int64
	RetryInterval time.Duration
}

func (p Params) withDefaults() Params {
	if p.GuestFee == 0 {
		p.GuestFee = DefaultGuestFee
	}
	if p.RetryInterval == 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	return p
}

// Gateway is the slice of the channel gateway the coordinator drives.
type Gateway interface {
	Fingerprint() string
	Handle(kind string, h channel.Handler)
	EnsureChannel() error
	CloseChannel(name string) error
	ChannelName() string
	PostEncrypted(kind string, body interface{}) error
	PostDH(peerPubHex, kind string, body interface{}) error
	Events() <-chan types.TransportEvent
}

// Coordinator is the top-level mixer service. It reacts to transport
// connectivity, routes inbound lobby messages to sessions or the matchmaking
// paths, drives retry timers and settles finished sessions (broadcast on the
// initiator side, budget accounting on the guest side).
//
// Every mutation runs under one lock: message callbacks, timer ticks and
// transport events are serialised, matching the cooperative model the
// protocol assumes.
type Coordinator struct {
	log     *logan.Entry
	params  Params
	gateway Gateway

	identity  *wallet.Identity
	wal       *wallet.Wallet
	safeStore safe.Safe
	gui       events.Poster
	signer    *SignerBridge
	metrics   *Metrics
	clock     Clock

	mu        sync.Mutex
	registry  *SessionRegistry
	scheduler *RetryScheduler
}

func NewCoordinator(
	log *logan.Entry,
	params Params,
	gateway Gateway,
	identity *wallet.Identity,
	safeStore safe.Safe,
	gui events.Poster,
	clock Clock,
	metrics *Metrics,
) *Coordinator {
	if clock == nil {
		clock = NewClock()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	wal := identity.Wallet()
	c := &Coordinator{
		log:       log,
		params:    params.withDefaults(),
		gateway:   gateway,
		identity:  identity,
		wal:       wal,
		safeStore: safeStore,
		gui:       gui,
		signer:    NewSignerBridge(log, safeStore, wal, identity),
		metrics:   metrics,
		clock:     clock,
		registry:  NewSessionRegistry(),
		scheduler: NewRetryScheduler(clock),
	}

	gateway.Handle(types.KindCoinJoinOpen, c.handleOpen)
	gateway.Handle(types.KindCoinJoin, c.handleJoin)
	gateway.Handle(types.KindCoinJoinFinish, c.handleFinish)
	return c
}

// Run consumes transport events until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.gateway.Events():
			if !ok {
				return
			}
			c.HandleTransportEvent(ev)
		}
	}
}

// HandleTransportEvent reacts to lobby connectivity: on connect, re-evaluate
// mixing and resume persisted tasks; on loss, drop in-flight sessions (their
// tasks survive and re-announce later).
func (c *Coordinator) HandleTransportEvent(ev types.TransportEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Type.Down() {
		c.log.Infof("transport %s: clearing %d sessions", ev.Type, c.registry.Len())
		for _, s := range c.registry.All() {
			if s.Task != nil {
				s.Task.State = wallet.TaskStateAnnounce
				s.Task.SessionID = ""
			}
		}
		c.registry.Clear()
		c.scheduler.Clear()
		return
	}

	c.checkMixing()
	c.resumeTasks()
}

// Sessions reports how many sessions are live.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Len()
}

// checkMixing walks every pocket, demotes the ones whose security context
// expired, and opens or closes the lobby channel depending on whether any
// mixing work remains.
func (c *Coordinator) checkMixing() {
	mixing := false
	for _, p := range c.identity.HDPockets() {
		if p.Mixing && p.HasEncryptedKeys() {
			if _, ok := c.safeStore.Get(safe.NamespaceMixer, safe.PocketKey(p.Index)); !ok {
				p.ClearKeys()
				p.Mixing = false
				c.log.Warnf("pocket %d demoted: password expired", p.Index)
				if err := c.identity.Save(); err != nil {
					c.log.WithError(err).Error("failed to persist pocket demotion")
				}
				continue
			}
		}
		if p.Mixing {
			mixing = true
		}
	}

	if mixing || len(c.identity.MixerTasks()) > 0 {
		if err := c.gateway.EnsureChannel(); err != nil {
			c.log.WithError(err).Error("failed to open lobby channel")
		}
		return
	}
	if err := c.gateway.CloseChannel(c.gateway.ChannelName()); err != nil {
		c.log.WithError(err).Error("failed to close lobby channel")
	}
}

// resumeTasks hands every persisted mixer task to startTask; only tasks in the
// announce state are re-announced.
func (c *Coordinator) resumeTasks() {
	for _, t := range c.identity.MixerTasks() {
		c.startTask(t)
	}
}

// StartTask enqueues a fresh task and begins announcing it.
func (c *Coordinator) StartTask(t *wallet.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.identity.PutTask(t); err != nil {
		return err
	}
	c.checkMixing()
	c.startTask(t)
	return nil
}

// startTask dispatches on the persisted state. Only announce is active;
// other states are accepted and left alone.
func (c *Coordinator) startTask(t *wallet.Task) {
	if t.State != wallet.TaskStateAnnounce {
		return
	}
	if t.SessionID != "" && c.registry.Has(t.SessionID) {
		return
	}

	id, err := newSessionID()
	if err != nil {
		c.log.WithError(err).Error("failed to allocate session id")
		return
	}

	tx, err := wallet.DecodeTxHex(t.Tx)
	if err != nil {
		c.log.WithError(err).WithField("task", t.Key).Error("task carries a malformed transaction")
		return
	}
	myTx := wallet.VersionFix(wallet.CloneTx(tx))

	if t.Timeout == 0 {
		t.Timeout = DefaultTimeoutSeconds
	}
	now := c.clock.Now().Unix()
	if t.Start == 0 {
		t.Start = now
		t.Ping = now
	}

	// Announcing the change amount half the time hides which side of the
	// join the announcer is on.
	amount := t.Total
	if t.Change > 0 && coinflip() {
		amount = t.Change
	}

	s := NewInitiatorSession(id, myTx, amount, t, c.clock.Now())
	c.registry.Put(s)
	c.metrics.SessionsStarted.Inc()

	t.SessionID = id
	if err := c.identity.PutTask(t); err != nil {
		c.log.WithError(err).Error("failed to persist task")
	}

	c.announce(s)
}

func (c *Coordinator) announce(s *Session) {
	body := types.OpenBody{ID: s.ID, Amount: s.MyAmount}
	if err := c.gateway.PostEncrypted(types.KindCoinJoinOpen, body); err != nil {
		c.log.WithError(err).Error("failed to post announcement")
	}
	c.metrics.Announces.Inc()
	c.scheduleTick(s.ID)
}

func (c *Coordinator) scheduleTick(id string) {
	c.scheduler.Schedule(id, c.params.RetryInterval, func() {
		c.tick(id)
	})
}

// tick is the per-session re-check: resend, select a buffered reply, cancel
// on expiry or liveness loss, or keep watching.
func (c *Coordinator) tick(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.registry.Get(id)
	if s == nil {
		return
	}
	now := c.clock.Now()

	switch {
	case s.Expired(now) && !c.identity.HardMixing():
		c.log.WithField("id", id).Info("announce timed out, sending with no mixing")
		c.cancelSession(s)
		task := s.Task
		if task != nil {
			c.metrics.FallbackSends.Inc()
			if err := c.wal.SendFallback(wallet.TaskKindMixer, task); err != nil {
				c.log.WithError(err).Error("fallback send failed")
			}
			task.State = wallet.TaskStateFinished
			if err := c.identity.RemoveTask(task); err != nil {
				c.log.WithError(err).Error("failed to drop finished task")
			}
		}
		c.checkMixing()

	case s.State == types.StateAnnounce && len(s.Received) > 0:
		n, err := cryptoIntn(len(s.Received))
		if err != nil {
			n = 0
		}
		chosen := s.Received[n]
		s.Received = nil
		c.scheduleTick(id)
		c.processJoin(s, chosen.Body, chosen.Peer)

	case s.State == types.StateAnnounce:
		body := types.OpenBody{ID: s.ID, Amount: s.MyAmount}
		if err := c.gateway.PostEncrypted(types.KindCoinJoinOpen, body); err != nil {
			c.log.WithError(err).Error("failed to repost announcement")
		}
		c.metrics.Announces.Inc()
		c.postGUI("Announcing")
		c.scheduleTick(id)

	case !s.State.Terminal() && s.PingStale(now):
		c.log.WithField("id", id).Warn("peer lost liveness, cancelling")
		c.cancelSession(s)
		if task := s.Task; task != nil {
			task.State = wallet.TaskStateAnnounce
			task.SessionID = ""
			c.startTask(task)
		}

	case !s.State.Terminal():
		c.scheduleTick(id)
	}
}

// handleOpen is the guest-side matchmaker: evaluate an inbound opening and
// answer with a candidate when a mixing pocket can cover it.
func (c *Coordinator) handleOpen(d types.Delivery) {
	if d.Sender == c.gateway.Fingerprint() {
		return
	}
	if !d.Peer.Trusted {
		return
	}

	var body types.OpenBody
	if err := types.DecodeBody(d.Body, &body); err != nil {
		c.log.WithError(err).Debug("dropping malformed opening")
		return
	}
	if !validSessionID(body.ID) || body.Amount <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluateOpening(body, d.Peer)
}

func (c *Coordinator) evaluateOpening(body types.OpenBody, peer types.Peer) {
	if c.registry.Has(body.ID) {
		return
	}

	need := body.Amount + c.params.GuestFee
	pocket := c.findMixingPocket(need)
	if pocket < 0 {
		return
	}

	changeAddr, err := c.wal.GetChangeAddress(pocket, "mixing")
	if err != nil {
		c.log.WithError(err).Error("failed to derive change address")
		return
	}
	dest, err := c.wal.GetFreeAddress(pocket, "mixing")
	if err != nil {
		c.log.WithError(err).Error("failed to derive destination address")
		return
	}

	tx, err := c.wal.Prepare(pocket, []wallet.Recipient{{Address: dest, Amount: body.Amount}}, changeAddr, c.params.GuestFee)
	if err != nil {
		c.log.WithError(err).Warn("failed to prepare candidate")
		return
	}
	candidate := wallet.VersionFix(wallet.CloneTx(tx))

	s := NewGuestSession(body.ID, candidate, body.Amount, c.params.GuestFee, peer, pocket, c.clock.Now())
	c.registry.Put(s)
	c.metrics.SessionsStarted.Inc()

	hexTx, err := wallet.SerializeTxHex(candidate)
	if err != nil {
		c.log.WithError(err).Error("failed to serialize candidate")
		c.registry.Delete(s.ID)
		return
	}
	if err := c.gateway.PostDH(peer.PubKey, types.KindCoinJoin, types.JoinBody{ID: body.ID, Tx: hexTx, Initial: true}); err != nil {
		c.log.WithError(err).Error("failed to send candidate")
	}
	c.postGUI(s.State.String())
	c.scheduleTick(s.ID)
}

// findMixingPocket returns the first pocket, in index order, that is mixing
// and holds enough confirmed balance.
func (c *Coordinator) findMixingPocket(need int64) int {
	for _, p := range c.identity.HDPockets() {
		if p.Mixing && c.wal.ConfirmedBalance(p.Index) >= need {
			return p.Index
		}
	}
	return -1
}

// handleJoin routes a CoinJoin message: buffered while announcing, processed
// immediately otherwise. Unknown ids are dropped silently.
func (c *Coordinator) handleJoin(d types.Delivery) {
	if d.Sender == c.gateway.Fingerprint() {
		return
	}

	var body types.JoinBody
	if err := types.DecodeBody(d.Body, &body); err != nil {
		c.log.WithError(err).Debug("dropping malformed join message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.registry.Get(body.ID)
	if s == nil {
		return
	}

	if s.Role == types.RoleInitiator && s.State == types.StateAnnounce {
		// While announcing, candidates race until the next tick selects one.
		// Nothing is processed synchronously in this state.
		if !body.Initial {
			return
		}
		if err := s.BufferReply(body, d.Peer); err != nil {
			c.log.WithField("id", body.ID).Debug("reply buffer full, dropping candidate")
		}
		return
	}

	c.processJoin(s, body, d.Peer)
}

// processJoin advances a session on a peer message and applies the
// state-dependent reactions.
func (c *Coordinator) processJoin(s *Session, body types.JoinBody, peer types.Peer) {
	prev := s.State
	updated, err := s.Process(body, peer)
	if err != nil {
		c.log.WithError(err).WithField("id", s.ID).Debug("dropping peer message")
		return
	}

	now := c.clock.Now()
	if s.State != prev {
		s.Touch(now)
		c.syncTask(s, now)
		c.postGUI(s.State.String())
	}

	if updated && (s.State == types.StateAccepted || s.State == types.StatePaired) {
		c.forward(s)
	}

	if s.State == types.StateSign {
		c.requestSign(s)
	}

	if s.State == types.StateFinished && prev != types.StateFinished {
		c.finishSession(s)
	}

	c.checkDelete(s.ID)
	c.checkMixing()
}

// syncTask keeps the persisted task in step with the live session so a crash
// resumes from the right place.
func (c *Coordinator) syncTask(s *Session, now time.Time) {
	if s.Task == nil {
		return
	}
	s.Task.Ping = now.Unix()
	s.Task.State = s.State.String()
	if err := c.identity.PutTask(s.Task); err != nil {
		c.log.WithError(err).Error("failed to persist task progress")
	}
}

func (c *Coordinator) forward(s *Session) {
	if s.Peer == nil {
		return
	}
	hexTx, err := wallet.SerializeTxHex(s.Tx)
	if err != nil {
		c.log.WithError(err).Error("failed to serialize joint transaction")
		return
	}
	if err := c.gateway.PostDH(s.Peer.PubKey, types.KindCoinJoin, types.JoinBody{ID: s.ID, Tx: hexTx}); err != nil {
		c.log.WithError(err).Error("failed to forward joint transaction")
	}
}

// requestSign signs our inputs and ships the signed joint transaction to the
// peer. Signing failures are fatal to the session only.
func (c *Coordinator) requestSign(s *Session) {
	if err := c.signer.RequestSignInputs(s); err != nil {
		c.log.WithError(err).WithField("id", s.ID).Error("signing failed, cancelling session")
		c.cancelSession(s)
		return
	}
	s.AddSignatures(s.Tx)
	c.forward(s)
}

// finishSession settles a finished session: the initiator broadcasts and
// notifies the peer, the guest books the fee against the pocket budget.
func (c *Coordinator) finishSession(s *Session) {
	c.metrics.SessionsFinished.Inc()

	if s.Role == types.RoleGuest {
		c.trackBudget(s)
		return
	}

	hexTx, err := wallet.SerializeTxHex(s.Tx)
	if err != nil {
		c.log.WithError(err).Error("failed to serialize final transaction")
		return
	}
	if s.Task != nil {
		s.Task.Tx = hexTx
		s.Task.State = wallet.TaskStateFinished
	}
	if err := c.wal.BroadcastTx(s.Tx, s.Task); err != nil {
		c.log.WithError(err).Error("broadcast failed")
	}
	if s.Task != nil {
		if err := c.identity.RemoveTask(s.Task); err != nil {
			c.log.WithError(err).Error("failed to drop finished task")
		}
	}
	if s.Peer != nil {
		if err := c.gateway.PostDH(s.Peer.PubKey, types.KindCoinJoinFinish, types.FinishBody{ID: s.ID, Tx: hexTx}); err != nil {
			c.log.WithError(err).Error("failed to send finish message")
		}
	}
}

// trackBudget books the session fee against the guest pocket. A single
// overshoot ends mixing on that pocket until the user reopens the security
// context.
func (c *Coordinator) trackBudget(s *Session) {
	p := c.wal.Pocket(s.Pocket)
	if p == nil {
		return
	}
	p.MixingOptions.Spent += s.Fee
	if p.MixingOptions.Spent >= p.MixingOptions.Budget {
		p.ClearKeys()
		p.Mixing = false
		c.log.Infof("pocket %d mixing budget exhausted", p.Index)
	}
	if err := c.identity.Save(); err != nil {
		c.log.WithError(err).Error("failed to persist budget")
	}
}

// handleFinish reacts to a peer-side protocol termination.
func (c *Coordinator) handleFinish(d types.Delivery) {
	if d.Sender == c.gateway.Fingerprint() {
		return
	}

	var body types.FinishBody
	if err := types.DecodeBody(d.Body, &body); err != nil {
		c.log.WithError(err).Debug("dropping malformed finish message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.registry.Get(body.ID)
	if s == nil {
		return
	}

	prev := s.State
	adopted := false
	if body.Tx != "" && !s.State.Terminal() {
		if tx, err := wallet.DecodeTxHex(body.Tx); err == nil {
			adopted = s.AdoptFinal(tx) == nil
		}
	}
	if !adopted {
		s.Cancel()
	}

	if s.State == types.StateFinished && prev != types.StateFinished {
		c.postGUI(s.State.String())
		c.finishSession(s)
	} else if s.State == types.StateCancelled {
		c.metrics.SessionsCancelled.Inc()
		c.postGUI(s.State.String())
	}

	c.checkDelete(body.ID)
	c.checkMixing()
}

// cancelSession terminates and deletes a session.
func (c *Coordinator) cancelSession(s *Session) {
	s.Cancel()
	c.metrics.SessionsCancelled.Inc()
	c.postGUI(s.State.String())
	c.deleteSession(s)
}

// checkDelete removes a session once a terminal state is observed, before
// the next message for that id is processed.
func (c *Coordinator) checkDelete(id string) {
	if s := c.registry.Get(id); s != nil && s.State.Terminal() {
		c.deleteSession(s)
	}
}

func (c *Coordinator) deleteSession(s *Session) {
	c.registry.Delete(s.ID)
	c.scheduler.Cancel(s.ID)
}

func (c *Coordinator) postGUI(state string) {
	if c.gui == nil {
		return
	}
	c.gui.Post(GUITopic, events.Event{Type: GUIType, State: state})
}
