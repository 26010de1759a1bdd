package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/config"
	"github.com/cuemby/vault/pkg/datamanager"
	"github.com/cuemby/vault/pkg/dispatch"
	"github.com/cuemby/vault/pkg/events"
	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/maidmanager"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/pmidmanager"
	"github.com/cuemby/vault/pkg/pmidnode"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/syncer"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/versionmanager"
)

// Vault is one node of the storage network: the composed persona
// services over a shared database and router, plus the churn logic
// that moves accounts when the close group shifts.
type Vault struct {
	cfg    config.Config
	db     *storage.DB
	router router.Router
	broker *events.Broker
	disp   *dispatch.Dispatcher
	logger zerolog.Logger

	maid     *maidmanager.Service
	data     *datamanager.Service
	pmid     *pmidmanager.Service
	version  *versionmanager.Service
	pmidNode *pmidnode.Service

	healthSub  *events.Subscription
	stopGauges chan struct{}
}

// New builds a vault from its configuration and router. The database
// opens under cfg.VaultRootDir; existing state is preserved.
func New(cfg config.Config, r router.Router) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.VaultRootDir)
	if err != nil {
		return nil, err
	}
	broker := events.NewBroker()

	v := &Vault{
		cfg:        cfg,
		db:         db,
		router:     r,
		broker:     broker,
		logger:     log.WithComponent("vault"),
		stopGauges: make(chan struct{}),
	}

	v.maid = maidmanager.New(maidmanager.Config{
		GroupSize:      cfg.GroupSize,
		AccumulatorTTL: cfg.AccumulatorTTL,
		UnresolvedTTL:  cfg.UnresolvedTTL,
		SyncInterval:   cfg.SyncInterval,
	}, db, r, broker)
	v.data = datamanager.New(datamanager.Config{
		GroupSize:      cfg.GroupSize,
		AccumulatorTTL: cfg.AccumulatorTTL,
		UnresolvedTTL:  cfg.UnresolvedTTL,
		SyncInterval:   cfg.SyncInterval,
	}, db, r, broker)
	v.pmid = pmidmanager.New(pmidmanager.Config{
		GroupSize:      cfg.GroupSize,
		AccumulatorTTL: cfg.AccumulatorTTL,
		UnresolvedTTL:  cfg.UnresolvedTTL,
		SyncInterval:   cfg.SyncInterval,
	}, db, r, broker)
	v.version = versionmanager.New(versionmanager.Config{
		GroupSize:      cfg.GroupSize,
		AccumulatorTTL: cfg.AccumulatorTTL,
		UnresolvedTTL:  cfg.UnresolvedTTL,
		SyncInterval:   cfg.SyncInterval,
		MaxVersions:    cfg.MaxVersions,
		MaxBranches:    cfg.MaxBranches,
	}, db, r, broker)
	v.pmidNode = pmidnode.New(pmidnode.Config{
		GroupSize:      cfg.GroupSize,
		AccumulatorTTL: cfg.AccumulatorTTL,
	}, db, r)

	v.disp = dispatch.New(map[types.Persona]dispatch.Handler{
		types.PersonaMaidManager:    v.maid,
		types.PersonaDataManager:    v.data,
		types.PersonaPmidManager:    v.pmid,
		types.PersonaVersionManager: v.version,
		types.PersonaPmidNode:       v.pmidNode,
	})

	for _, t := range v.transfers() {
		t.OnAcked(v.dropAccount)
	}

	r.OnMessage(v.disp.OnMessage)
	r.OnCloseGroupChange(v.onGroupChange)
	return v, nil
}

// Start launches background loops: persona syncers, the health
// watcher, and the periodic gauges.
func (v *Vault) Start() {
	v.healthSub = v.broker.Subscribe(
		events.EventHolderDown,
		events.EventAccountTransferred,
	)
	go v.watchEvents(v.healthSub)
	v.maid.Start()
	v.data.Start()
	v.pmid.Start()
	v.version.Start()
	go v.gaugeLoop()
	v.logger.Info().Str("peer_id", string(v.router.Self())).Msg("vault started")
}

// Stop terminates background work and closes the database.
func (v *Vault) Stop() error {
	close(v.stopGauges)
	v.maid.Stop()
	v.data.Stop()
	v.pmid.Stop()
	v.version.Stop()
	if v.healthSub != nil {
		v.broker.Unsubscribe(v.healthSub)
	}
	return v.db.Close()
}

// Broker exposes the vault's event stream.
func (v *Vault) Broker() *events.Broker {
	return v.broker
}

// DB exposes the account database. Tests and the harness only.
func (v *Vault) DB() *storage.DB {
	return v.db
}

func (v *Vault) transfers() []*syncer.Transfer {
	return []*syncer.Transfer{
		v.maid.Transfer(),
		v.data.Transfer(),
		v.pmid.Transfer(),
		v.version.Transfer(),
	}
}

// onGroupChange reacts to routing churn. Accounts this vault is no
// longer close to are pushed to the incoming members; responsibility
// this vault just gained is fetched from the rest of the group.
func (v *Vault) onGroupChange(added, removed []types.PeerID) {
	v.logger.Info().
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("close group changed")
	v.broker.Publish(&events.Event{Type: events.EventGroupChanged})
	if len(added) == 0 {
		return
	}
	accounts, err := v.db.Accounts()
	if err != nil {
		v.logger.Error().Err(err).Msg("listing accounts for transfer")
		return
	}
	for _, account := range accounts {
		t := v.transferFor(account)
		if t == nil {
			continue
		}
		if err := t.PushAccount(account, added); err != nil {
			v.logger.Warn().Err(err).Str("account", string(account)).Msg("account push failed")
		}
	}
}

// TransferAccount pushes one account to the given peers and, once a
// new holder acks, drops the local copy. Exposed for the harness and
// for tests driving explicit handoffs.
func (v *Vault) TransferAccount(account storage.AccountID, targets []types.PeerID) error {
	t := v.transferFor(account)
	if t == nil {
		return fmt.Errorf("no persona owns account %q", account)
	}
	return t.PushAccount(account, targets)
}

// FetchAccount pulls an account this vault has become responsible for
// from the rest of the close group, installing the image a majority of
// the peers agree on.
func (v *Vault) FetchAccount(account storage.AccountID) error {
	t := v.transferFor(account)
	if t == nil {
		return fmt.Errorf("no persona owns account %q", account)
	}
	return t.FetchAccount(account)
}

// dropAccount deletes a handed-off account once its new holder has
// acknowledged installing it.
func (v *Vault) dropAccount(account storage.AccountID) {
	if err := v.db.DeleteAccount(account); err != nil {
		v.logger.Error().Err(err).Str("account", string(account)).Msg("deleting transferred account")
		return
	}
	v.broker.Publish(&events.Event{
		Type:     events.EventAccountTransferred,
		Metadata: map[string]string{"account": string(account)},
	})
	v.logger.Info().Str("account", string(account)).Msg("account handed off")
}

// transferFor routes an account to the persona that owns it, going by
// the persona prefix every derived account ID carries.
func (v *Vault) transferFor(account storage.AccountID) *syncer.Transfer {
	switch {
	case strings.HasPrefix(string(account), string(types.PersonaMaidManager)+"/"):
		return v.maid.Transfer()
	case strings.HasPrefix(string(account), string(types.PersonaDataManager)+"/"):
		return v.data.Transfer()
	case strings.HasPrefix(string(account), string(types.PersonaPmidManager)+"/"):
		return v.pmid.Transfer()
	case strings.HasPrefix(string(account), string(types.PersonaVersionManager)+"/"):
		return v.version.Transfer()
	}
	return nil
}

// watchEvents consumes the vault's own event stream: holders reported
// down are surfaced for the replication machinery, and churn outcomes
// refresh the account gauge without waiting a full gauge period.
func (v *Vault) watchEvents(sub *events.Subscription) {
	for e := range sub.C {
		switch e.Type {
		case events.EventHolderDown:
			v.logger.Warn().
				Str("pmid", e.Metadata["pmid"]).
				Str("name", e.Metadata["name"]).
				Msg("replica holder down")
		case events.EventAccountTransferred:
			if accounts, err := v.db.Accounts(); err == nil {
				metrics.AccountsHeld.Set(float64(len(accounts)))
			}
		}
	}
}

// gaugeLoop refreshes the slow-moving gauges.
func (v *Vault) gaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if accounts, err := v.db.Accounts(); err == nil {
				metrics.AccountsHeld.Set(float64(len(accounts)))
			}
		case <-v.stopGauges:
			return
		}
	}
}
