package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/types"
)

// Transfer moves whole accounts between vaults when routing churn
// changes who is responsible. A vault losing responsibility pushes a
// snapshot to each new holder and deletes its copy once acknowledged; a
// vault gaining responsibility requests snapshots from the close group
// and installs the first image whose content hash a majority of the
// received images agree on.
type Transfer struct {
	persona types.Persona
	db      *storage.DB
	router  router.Router
	logger  zerolog.Logger

	mu      sync.Mutex
	images  map[storage.AccountID]map[string]*image
	expect  map[storage.AccountID]int
	done    map[storage.AccountID]bool
	ackedCb func(account storage.AccountID)
}

type image struct {
	snapshot []byte
	senders  map[types.PeerID]bool
}

type transferPayload struct {
	Account  storage.AccountID `json:"account"`
	Snapshot []byte            `json:"snapshot"`
}

type accountPayload struct {
	Account storage.AccountID `json:"account"`
}

// NewTransfer creates the transfer handler for one persona.
func NewTransfer(persona types.Persona, db *storage.DB, r router.Router, logger zerolog.Logger) *Transfer {
	return &Transfer{
		persona: persona,
		db:      db,
		router:  r,
		logger:  logger,
		images:  make(map[storage.AccountID]map[string]*image),
		expect:  make(map[storage.AccountID]int),
		done:    make(map[storage.AccountID]bool),
	}
}

// OnAcked registers the callback fired when a pushed account has been
// acknowledged by a new holder; the vault deletes its local copy there.
func (t *Transfer) OnAcked(cb func(account storage.AccountID)) {
	t.mu.Lock()
	t.ackedCb = cb
	t.mu.Unlock()
}

// PushAccount snapshots the account and sends the image to each target.
func (t *Transfer) PushAccount(account storage.AccountID, targets []types.PeerID) error {
	snap, err := t.db.Snapshot(account)
	if err != nil {
		return err
	}
	payload := transferPayload{Account: account, Snapshot: snap}
	for _, target := range targets {
		m, err := message.New(t.persona, message.OpAccountTransfer, name.Name{}, payload, types.Sender{Peer: t.router.Self()})
		if err != nil {
			return err
		}
		data, err := message.Encode(m)
		if err != nil {
			return err
		}
		if err := t.router.Send(target, data); err != nil {
			t.logger.Debug().Err(err).Str("peer", string(target)).Msg("account push failed")
		}
	}
	metrics.AccountsTransferred.WithLabelValues("out").Inc()
	return nil
}

// Expect sets how many matching images must arrive before the account
// installs. Unsolicited pushes default to one; a fetch raises it to a
// majority of the peers asked.
func (t *Transfer) Expect(account storage.AccountID, images int) {
	t.mu.Lock()
	t.expect[account] = images
	t.mu.Unlock()
}

// FetchAccount asks the close group for the account and waits, with
// exponential backoff, until a majority-matching image has been
// installed. Used when this vault joins an account's close group.
func (t *Transfer) FetchAccount(account storage.AccountID) error {
	peers := len(t.router.CloseGroup()) - 1
	if peers > 1 {
		t.Expect(account, peers/2+1)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if t.installed(account) {
			return nil
		}
		if err := t.requestOnce(account); err != nil {
			return err
		}
		if t.installed(account) {
			return nil
		}
		return errors.New("awaiting account snapshot")
	}, bo)
}

func (t *Transfer) requestOnce(account storage.AccountID) error {
	m, err := message.New(t.persona, message.OpAccountRequest, name.Name{}, accountPayload{Account: account}, types.Sender{Peer: t.router.Self()})
	if err != nil {
		return backoff.Permanent(err)
	}
	data, err := message.Encode(m)
	if err != nil {
		return backoff.Permanent(err)
	}
	for _, peer := range t.router.CloseGroup() {
		if peer == t.router.Self() {
			continue
		}
		_ = t.router.Send(peer, data)
	}
	return nil
}

func (t *Transfer) installed(account storage.AccountID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done[account]
}

// HandleRequest answers a peer's account request with a snapshot.
func (t *Transfer) HandleRequest(m *message.Message) error {
	var req accountPayload
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return fmt.Errorf("%w: bad account request: %v", types.ErrMalformedMessage, err)
	}
	return t.PushAccount(req.Account, []types.PeerID{m.Sender.Peer})
}

// HandleTransfer records an inbound account image and installs it once
// one content hash holds a strict majority of the images received for
// that account. The sending vaults are acked after install.
func (t *Transfer) HandleTransfer(m *message.Message) (bool, error) {
	var payload transferPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return false, fmt.Errorf("%w: bad account transfer: %v", types.ErrMalformedMessage, err)
	}
	sum := sha256.Sum256(payload.Snapshot)
	hash := hex.EncodeToString(sum[:])

	t.mu.Lock()
	if t.done[payload.Account] {
		t.mu.Unlock()
		t.ack(payload.Account, []types.PeerID{m.Sender.Peer})
		return false, nil
	}
	byHash, ok := t.images[payload.Account]
	if !ok {
		byHash = make(map[string]*image)
		t.images[payload.Account] = byHash
	}
	img, ok := byHash[hash]
	if !ok {
		img = &image{snapshot: payload.Snapshot, senders: make(map[types.PeerID]bool)}
		byHash[hash] = img
	}
	img.senders[m.Sender.Peer] = true

	total := 0
	for _, i := range byHash {
		total += len(i.senders)
	}
	required := t.expect[payload.Account]
	if required < 1 {
		required = 1
	}
	if len(img.senders) < required || len(img.senders)*2 <= total {
		t.mu.Unlock()
		return false, nil
	}
	// Enough matching images and a strict majority of everything seen:
	// install this one.
	delete(t.images, payload.Account)
	delete(t.expect, payload.Account)
	t.done[payload.Account] = true
	var senders []types.PeerID
	for _, i := range byHash {
		for p := range i.senders {
			senders = append(senders, p)
		}
	}
	t.mu.Unlock()

	if err := t.db.Load(payload.Account, payload.Snapshot); err != nil {
		t.mu.Lock()
		delete(t.done, payload.Account)
		t.mu.Unlock()
		return false, err
	}
	metrics.AccountsTransferred.WithLabelValues("in").Inc()
	t.logger.Info().Str("account", string(payload.Account)).Msg("account installed from transfer")
	t.ack(payload.Account, senders)
	return true, nil
}

// HandleAck notifies the vault that a new holder has the account, so
// the local copy may be deleted.
func (t *Transfer) HandleAck(m *message.Message) error {
	var payload accountPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return fmt.Errorf("%w: bad account ack: %v", types.ErrMalformedMessage, err)
	}
	t.mu.Lock()
	cb := t.ackedCb
	t.mu.Unlock()
	if cb != nil {
		cb(payload.Account)
	}
	return nil
}

func (t *Transfer) ack(account storage.AccountID, peers []types.PeerID) {
	for _, peer := range peers {
		m, err := message.New(t.persona, message.OpAccountAck, name.Name{}, accountPayload{Account: account}, types.Sender{Peer: t.router.Self()})
		if err != nil {
			continue
		}
		data, err := message.Encode(m)
		if err != nil {
			continue
		}
		_ = t.router.Send(peer, data)
	}
}
