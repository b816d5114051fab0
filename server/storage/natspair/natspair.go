// Package natspair implements invite-based vault key exchange over NATS
// request/reply. The NATS server only relays ciphertext: the vault key is
// sealed with a key derived from the secret half of the invite token, which
// never leaves the two devices.
package natspair

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/vaultlet/vaultlet/server/logger"
)

const (
	inviteIDLen     = 16
	inviteSecretLen = 32
	nonceLen        = 24

	// DefaultSubjectPrefix is used when no prefix is configured.
	DefaultSubjectPrefix = "vaultlet.pair"

	hkdfInfo = "vaultlet/pairing/v1"
)

var (
	// ErrInvalidToken is returned for tokens which do not decode to an
	// invite id and secret.
	ErrInvalidToken = errors.New("invalid invite token")

	// ErrRejected is returned when the vault owner refused the request.
	ErrRejected = errors.New("pairing request rejected")

	// ErrNoResponder is returned when nobody is serving the invite. It is
	// retryable: the owner may start serving later.
	ErrNoResponder error = noResponderError{}
)

type noResponderError struct{}

func (noResponderError) Error() string   { return "invite is not being served" }
func (noResponderError) Retryable() bool { return true }

type invite struct {
	id     []byte
	secret []byte
}

// NewToken generates a fresh invite token. Tokens are URL-safe base64 and
// never contain '/'.
func NewToken() (string, error) {
	buf := make([]byte, inviteIDLen+inviteSecretLen)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", errors.Wrap(err, "failed to generate invite token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseToken(token string) (*invite, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != inviteIDLen+inviteSecretLen {
		return nil, ErrInvalidToken
	}
	return &invite{id: raw[:inviteIDLen], secret: raw[inviteIDLen:]}, nil
}

// keys derives the box key and the proof key for an invite.
func (i *invite) keys() (box *[32]byte, mac []byte, err error) {
	stream := hkdf.New(sha256.New, i.secret, i.id, []byte(hkdfInfo))
	material := make([]byte, 64)
	if _, err := io.ReadFull(stream, material); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive pairing keys")
	}
	box = new([32]byte)
	copy(box[:], material[:32])
	return box, material[32:], nil
}

func (i *invite) proof(mac []byte) []byte {
	h := hmac.New(sha256.New, mac)
	h.Write(i.id)
	h.Write([]byte("pair-request"))
	return h.Sum(nil)
}

type pairRequest struct {
	Proof []byte `json:"proof"`
}

type pairResponse struct {
	Nonce  []byte `json:"nonce,omitempty"`
	Sealed []byte `json:"sealed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Transport serves and requests invites on a NATS connection.
type Transport struct {
	nc     *nats.Conn
	prefix string
	logger logger.Logger
	ownsNC bool
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, prefix string, log logger.Logger) *Transport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Transport{nc: nc, prefix: prefix, logger: log}
}

// Connect dials the given servers and returns a Transport owning the
// connection.
func Connect(servers []string, prefix string, log logger.Logger) (*Transport, error) {
	opts := nats.GetDefaultOptions()
	opts.Servers = servers
	opts.Name = "vaultlet-pairing"
	opts.ReconnectWait = 250 * time.Millisecond
	opts.MaxReconnect = -1
	opts.DisconnectedErrCB = func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("pairing: Disconnected from NATS: %v", err)
		}
	}
	opts.ReconnectedCB = func(nc *nats.Conn) {
		log.Infof("pairing: Reconnected to NATS at %s", nc.ConnectedUrl())
	}
	nc, err := opts.Connect()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	t := New(nc, prefix, log)
	t.ownsNC = true
	return t, nil
}

// NewToken generates an invite token for this transport.
func (t *Transport) NewToken() (string, error) {
	return NewToken()
}

func (t *Transport) subject(inv *invite) string {
	return t.prefix + ".invite." + hex.EncodeToString(inv.id)
}

// Responder answers pairing requests for one invite until closed.
type Responder struct {
	sub  *nats.Subscription
	once sync.Once
}

// Close stops serving the invite.
func (r *Responder) Close() error {
	var err error
	r.once.Do(func() {
		err = r.sub.Unsubscribe()
	})
	return err
}

// Serve answers requests proving knowledge of token with key, sealed for
// the requester.
func (t *Transport) Serve(token string, key []byte) (io.Closer, error) {
	inv, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	box, mac, err := inv.keys()
	if err != nil {
		return nil, err
	}
	expected := inv.proof(mac)
	secret := append([]byte(nil), key...)

	sub, err := t.nc.Subscribe(t.subject(inv), func(m *nats.Msg) {
		resp := t.answer(m.Data, expected, box, secret)
		data, err := json.Marshal(resp)
		if err != nil {
			panic(err)
		}
		if err := m.Respond(data); err != nil {
			t.logger.Errorf("pairing: Failed to respond to pairing request: %v", err)
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to serve invite")
	}
	if err := t.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, errors.Wrap(err, "failed to serve invite")
	}
	t.logger.Debugf("pairing: Serving invite on %s", sub.Subject)
	return &Responder{sub: sub}, nil
}

func (t *Transport) answer(data, expected []byte, box *[32]byte, key []byte) *pairResponse {
	req := new(pairRequest)
	if err := json.Unmarshal(data, req); err != nil {
		t.logger.Warnf("pairing: Invalid pairing request: %v", err)
		return &pairResponse{Error: "invalid request"}
	}
	if !hmac.Equal(req.Proof, expected) {
		t.logger.Warnf("pairing: Rejected pairing request with invalid proof")
		return &pairResponse{Error: "invalid proof"}
	}
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return &pairResponse{Error: "internal error"}
	}
	t.logger.Infof("pairing: Answered pairing request")
	return &pairResponse{
		Nonce:  nonce[:],
		Sealed: secretbox.Seal(nil, key, &nonce, box),
	}
}

// Request asks the owner of token for the vault key.
func (t *Transport) Request(ctx context.Context, token string) ([]byte, error) {
	inv, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	box, mac, err := inv.keys()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(&pairRequest{Proof: inv.proof(mac)})
	if err != nil {
		return nil, err
	}
	msg, err := t.nc.RequestWithContext(ctx, t.subject(inv), data)
	if err == nats.ErrNoResponders {
		return nil, ErrNoResponder
	}
	if err != nil {
		return nil, errors.Wrap(err, "pairing request failed")
	}
	resp := new(pairResponse)
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return nil, errors.Wrap(err, "invalid pairing response")
	}
	if resp.Error != "" {
		return nil, errors.Wrap(ErrRejected, resp.Error)
	}
	if len(resp.Nonce) != nonceLen {
		return nil, errors.New("invalid pairing response nonce")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], resp.Nonce)
	key, ok := secretbox.Open(nil, resp.Sealed, &nonce, box)
	if !ok {
		return nil, errors.New("pairing response failed authentication")
	}
	return key, nil
}

// Close closes the NATS connection if the transport created it.
func (t *Transport) Close() {
	if t.ownsNC {
		t.nc.Close()
	}
}
