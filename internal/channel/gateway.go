package channel

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/pkg/types"
)

// BaseChannelName is the shared lobby channel. On any network other than
// mainnet the network name is appended to keep test coins off the main lobby.
const BaseChannelName = "CoinJoin"

var ErrChannelClosed = errors.New("channel is not open")

// Handler consumes a decrypted delivery for one message kind.
type Handler func(d types.Delivery)

// TrustFunc reports whether a peer public key belongs to a trusted contact.
type TrustFunc func(pubKeyHex string) bool

// Gateway adapts the lobby transport: it owns the single CoinJoin channel,
// frames and encrypts outbound messages, and dispatches inbound frames to the
// callback slot registered for their kind.
type Gateway struct {
	log       *logan.Entry
	transport Transport
	identity  *Identity
	trusted   TrustFunc

	name    string
	chanKey []byte

	mu       sync.Mutex
	open     bool
	handlers map[string]Handler
}

func NewGateway(log *logan.Entry, transport Transport, identity *Identity, net *chaincfg.Params, trusted TrustFunc) (*Gateway, error) {
	name := BaseChannelName
	if net.Name != chaincfg.MainNetParams.Name {
		name = BaseChannelName + ":" + net.Name
	}

	key, err := channelKey(name)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		log:       log.WithField("channel", name),
		transport: transport,
		identity:  identity,
		trusted:   trusted,
		name:      name,
		chanKey:   key,
		handlers:  make(map[string]Handler),
	}
	go g.dispatchLoop()
	return g, nil
}

// Fingerprint is the self identifier; deliveries whose sender equals it are
// echoes of our own messages.
func (g *Gateway) Fingerprint() string {
	return g.identity.Fingerprint()
}

func (g *Gateway) ChannelName() string {
	return g.name
}

// Events surfaces transport connectivity transitions.
func (g *Gateway) Events() <-chan types.TransportEvent {
	return g.transport.Events()
}

// Handle registers the callback slot for a message kind. Re-registering
// replaces the previous slot.
func (g *Gateway) Handle(kind string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

// EnsureChannel joins the lobby channel if it is not already open.
func (g *Gateway) EnsureChannel() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return nil
	}
	if err := g.transport.Join(g.name); err != nil {
		return errors.Wrap(err, "failed to join channel")
	}
	g.open = true
	g.log.Info("channel opened")
	return nil
}

// CloseChannel tears the channel down. It is idempotent and suppresses
// not-found errors from the transport.
func (g *Gateway) CloseChannel(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil
	}
	if err := g.transport.Leave(name); err != nil && !strings.Contains(err.Error(), "not found") {
		return errors.Wrap(err, "failed to leave channel")
	}
	g.open = false
	g.log.Info("channel closed")
	return nil
}

// Open reports whether the channel is currently joined.
func (g *Gateway) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// PostEncrypted broadcasts a message under the symmetric channel key.
func (g *Gateway) PostEncrypted(kind string, body interface{}) error {
	payload, err := g.sealBody(g.chanKey, body)
	if err != nil {
		return err
	}
	return g.post(Frame{Kind: kind, Payload: payload})
}

// PostDH sends an end-to-end encrypted unicast to a known peer public key.
func (g *Gateway) PostDH(peerPubHex, kind string, body interface{}) error {
	peerPub, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return errors.New("invalid peer public key encoding")
	}
	key, err := g.identity.dhKey(peerPub)
	if err != nil {
		return err
	}
	payload, err := g.sealBody(key, body)
	if err != nil {
		return err
	}
	return g.post(Frame{Kind: kind, Payload: payload, To: Fingerprint(peerPub)})
}

func (g *Gateway) post(frame Frame) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	if !open {
		return ErrChannelClosed
	}

	frame.Channel = g.name
	frame.Sender = g.identity.Fingerprint()
	frame.Pub = g.identity.PubKeyHex()
	return g.transport.Send(frame)
}

func (g *Gateway) sealBody(key []byte, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal body")
	}
	return seal(key, raw)
}

func (g *Gateway) dispatchLoop() {
	for frame := range g.transport.Frames() {
		if err := g.dispatch(frame); err != nil {
			g.log.WithError(err).Debug("dropping inbound frame")
		}
	}
}

func (g *Gateway) dispatch(frame Frame) error {
	if frame.Channel != g.name {
		return nil
	}
	if frame.To != "" && frame.To != g.identity.Fingerprint() {
		return nil
	}

	g.mu.Lock()
	handler, ok := g.handlers[frame.Kind]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	key := g.chanKey
	if frame.To != "" {
		peerPub, err := hex.DecodeString(frame.Pub)
		if err != nil {
			return errors.New("invalid sender public key")
		}
		if key, err = g.identity.dhKey(peerPub); err != nil {
			return err
		}
	}

	body, err := open(key, frame.Payload)
	if err != nil {
		return err
	}

	handler(types.Delivery{
		Sender: frame.Sender,
		Peer: types.Peer{
			PubKey:  frame.Pub,
			Trusted: g.trusted != nil && g.trusted(frame.Pub),
		},
		Body: json.RawMessage(body),
	})
	return nil
}
