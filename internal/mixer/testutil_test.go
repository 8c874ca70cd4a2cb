package mixer

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"gitlab.com/distributed_lab/logan/v3"

	"github.com/darkwallet/mixer-svc/internal/channel"
	"github.com/darkwallet/mixer-svc/internal/events"
	"github.com/darkwallet/mixer-svc/internal/safe"
	"github.com/darkwallet/mixer-svc/internal/wallet"
	"github.com/darkwallet/mixer-svc/pkg/types"
)

var testNet = &chaincfg.RegressionNetParams

// fakeGateway records outbound posts and lets tests deliver inbound messages
// synchronously.
type fakeGateway struct {
	mu          sync.Mutex
	fingerprint string
	handlers    map[string]channel.Handler
	open        bool

	encrypted []gatewayPost
	dh        []gatewayPost
	events    chan types.TransportEvent
}

type gatewayPost struct {
	peer string
	kind string
	body interface{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		fingerprint: "self-fingerprint",
		handlers:    make(map[string]channel.Handler),
		events:      make(chan types.TransportEvent, 8),
	}
}

func (g *fakeGateway) Fingerprint() string { return g.fingerprint }

func (g *fakeGateway) Handle(kind string, h channel.Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

func (g *fakeGateway) EnsureChannel() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	return nil
}

func (g *fakeGateway) CloseChannel(string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
	return nil
}

func (g *fakeGateway) ChannelName() string { return channel.BaseChannelName + ":" + testNet.Name }

func (g *fakeGateway) PostEncrypted(kind string, body interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.encrypted = append(g.encrypted, gatewayPost{kind: kind, body: body})
	return nil
}

func (g *fakeGateway) PostDH(peerPubHex, kind string, body interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dh = append(g.dh, gatewayPost{peer: peerPubHex, kind: kind, body: body})
	return nil
}

func (g *fakeGateway) Events() <-chan types.TransportEvent { return g.events }

// deliver routes a decrypted message through the registered handler, as the
// real gateway does after opening a frame.
func (g *fakeGateway) deliver(t *testing.T, kind, sender string, peer types.Peer, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	g.mu.Lock()
	h := g.handlers[kind]
	g.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", kind)
	h(types.Delivery{Sender: sender, Peer: peer, Body: raw})
}

func (g *fakeGateway) dhPosts() []gatewayPost {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayPost, len(g.dh))
	copy(out, g.dh)
	return out
}

func (g *fakeGateway) encryptedPosts() []gatewayPost {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayPost, len(g.encrypted))
	copy(out, g.encrypted)
	return out
}

// fakeClock drives timers deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order. Fired
// callbacks may schedule new timers; those fire too when due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.when.After(deadline) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = deadline
			c.mu.Unlock()
			return
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		f := next.f
		c.mu.Unlock()
		f()
	}
}

// recordingPoster captures GUI events.
type recordingPoster struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPoster) Post(_ string, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPoster) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.State)
	}
	return out
}

func (p *recordingPoster) count(state string) int {
	n := 0
	for _, s := range p.states() {
		if s == state {
			n++
		}
	}
	return n
}

// recordingBroadcaster captures broadcast transactions.
type recordingBroadcaster struct {
	mu  sync.Mutex
	txs []*wire.MsgTx
}

func (b *recordingBroadcaster) Broadcast(tx *wire.MsgTx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx.Copy())
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.txs)
}

// harness wires a coordinator around fakes and a real wallet.
type harness struct {
	t        *testing.T
	gw       *fakeGateway
	clock    *fakeClock
	gui      *recordingPoster
	bc       *recordingBroadcaster
	safe     *safe.MemorySafe
	wal      *wallet.Wallet
	identity *wallet.Identity
	coord    *Coordinator
}

func newHarness(t *testing.T) *harness {
	log := logan.New()
	h := &harness{
		t:     t,
		gw:    newFakeGateway(),
		clock: newFakeClock(),
		gui:   &recordingPoster{},
		bc:    &recordingBroadcaster{},
		safe:  safe.NewMemorySafe(),
	}
	h.wal = wallet.New(log, testNet, h.gui, h.bc)
	h.identity = wallet.NewIdentity(log, nil, h.wal)
	h.coord = NewCoordinator(log, Params{}, h.gw, h.identity, h.safe, h.gui, h.clock, NopMetrics())
	return h
}

// addPocket seals fresh HD branch keys for a pocket and registers it.
func (h *harness) addPocket(index int, password string, budget int64) *wallet.Pocket {
	h.t.Helper()

	master := testBranchKey(h.t, byte(2*index))
	change := testBranchKey(h.t, byte(2*index+1))

	p := &wallet.Pocket{
		Index:         index,
		Mixing:        true,
		MixingOptions: wallet.MixingOptions{Budget: budget},
	}
	require.NoError(h.t, p.SealKeys(password, master, change))
	h.wal.AddPocket(p)
	return p
}

func testBranchKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte + 1
	}
	key, err := hdkeychain.NewMaster(seed, testNet)
	require.NoError(t, err)
	return key
}

// fund adds a confirmed output owned by the pocket at the given branch
// child index.
func (h *harness) fund(p *wallet.Pocket, change bool, child uint32, value int64, hashByte byte) (string, wire.OutPoint) {
	h.t.Helper()

	xpub := p.MasterPub
	branch := p.MainBranch()
	if change {
		xpub = p.ChangePub
		branch = p.ChangeBranch()
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	require.NoError(h.t, err)
	childKey, err := key.Derive(child)
	require.NoError(h.t, err)
	addr, err := childKey.Address(testNet)
	require.NoError(h.t, err)
	encoded := addr.EncodeAddress()

	h.wal.RegisterAddress(encoded, &wallet.AddressInfo{
		Index: []uint32{branch, child},
		Type:  wallet.AddressTypeDefault,
	})

	var hash chainhash.Hash
	hash[0] = hashByte
	op := *wire.NewOutPoint(&hash, uint32(child))
	h.wal.AddOutput(wallet.OutpointKey(op), &wallet.Output{
		Address:   encoded,
		Value:     value,
		Pocket:    p.Index,
		Confirmed: true,
	})
	return encoded, op
}

// foreignHalf builds a counterparty transaction half: unknown inputs, one
// output at the join amount plus change.
func foreignHalf(t *testing.T, amount, changeAmount int64, hashByte byte) *wire.MsgTx {
	t.Helper()

	tx := wire.NewMsgTx(wallet.JoinTxVersion)
	var hash chainhash.Hash
	hash[0] = hashByte
	hash[1] = 0xff
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, 0), nil, nil))

	tx.AddTxOut(wire.NewTxOut(amount, foreignScript(t, hashByte)))
	if changeAmount > 0 {
		tx.AddTxOut(wire.NewTxOut(changeAmount, foreignScript(t, hashByte+1)))
	}
	return tx
}

func foreignScript(t *testing.T, seed byte) []byte {
	t.Helper()
	keyHash := make([]byte, 20)
	for i := range keyHash {
		keyHash[i] = seed + byte(i)
	}
	addr, err := btcutil.NewAddressPubKeyHash(keyHash, testNet)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

// markForeignSigned fills signature scripts on every unsigned input, as the
// counterparty would after signing its half.
func markForeignSigned(tx *wire.MsgTx) {
	for _, txin := range tx.TxIn {
		if len(txin.SignatureScript) == 0 {
			txin.SignatureScript = []byte{0x01, 0x02, 0x03}
		}
	}
}

func mustJoinBody(t *testing.T, raw json.RawMessage) types.JoinBody {
	t.Helper()
	var body types.JoinBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func txFromPost(t *testing.T, post gatewayPost) (*wire.MsgTx, types.JoinBody) {
	t.Helper()
	body, ok := post.body.(types.JoinBody)
	require.True(t, ok, "post is not a join body")
	tx, err := wallet.DecodeTxHex(body.Tx)
	require.NoError(t, err)
	return tx, body
}

func testSessionID(seed byte) string {
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = seed
	}
	return hex.EncodeToString(raw)
}
