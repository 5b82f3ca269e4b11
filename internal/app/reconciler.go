package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"school-registry/internal/identity"
	"school-registry/internal/ledger"
	"school-registry/internal/metrics"
	"school-registry/internal/model"
)

const defaultFetchConcurrency = 8

// Config tunes a Reconciler.
type Config struct {
	// StaticAdmin is used when the store exposes no admin.
	StaticAdmin string
	// ConfirmTimeout bounds AwaitCommit. Zero waits for the store.
	ConfirmTimeout time.Duration
	// FetchConcurrency bounds the detail fan-out of a list reload.
	FetchConcurrency int

	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

// Reconciler mediates between user intents and the ledger. Local state only
// ever reflects what the ledger has confirmed.
type Reconciler struct {
	store    ledger.Store
	identity identity.Provider
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	caller       string
	connected    bool
	connecting   bool
	authorized   bool
	records      []model.Record
	operations   map[model.OperationKey]model.OperationState
	lastError    string
	version      uint64
	listSeq      uint64 // generation of the latest reload started
	publishedSeq uint64 // generation of the list currently published
	subs         map[int]func(model.View)
	nextSub      int

	// notifyMu serializes deliveries so subscribers never see versions go backwards.
	notifyMu sync.Mutex
}

// NewReconciler creates a Reconciler. Nothing is loaded until Connect or ListAll.
func NewReconciler(store ledger.Store, ident identity.Provider, cfg Config) *Reconciler {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	return &Reconciler{
		store:      store,
		identity:   ident,
		cfg:        cfg,
		log:        cfg.Logger,
		now:        time.Now,
		operations: make(map[model.OperationKey]model.OperationState),
		subs:       make(map[int]func(model.View)),
	}
}

// Snapshot returns a copy of the current view model.
func (r *Reconciler) Snapshot() model.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() model.View {
	v := model.View{
		Version:    r.version,
		Identity:   r.caller,
		Connected:  r.connected,
		Connecting: r.connecting,
		Authorized: r.authorized,
		Records:    make([]model.Record, len(r.records)),
		Operations: make(map[string]model.OperationState, len(r.operations)),
		LastError:  r.lastError,
	}
	copy(v.Records, r.records)
	for k, op := range r.operations {
		v.Operations[k.String()] = op
	}
	return v
}

// Subscribe registers fn to receive the view after every change. fn must not
// call back into the Reconciler's operations.
func (r *Reconciler) Subscribe(fn func(model.View)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// update applies fn under the state lock, bumps the version and notifies.
func (r *Reconciler) update(fn func()) {
	r.mu.Lock()
	fn()
	r.version++
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	v := r.snapshotLocked()
	subs := make([]func(model.View), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// fail records err as the last error and returns it.
func (r *Reconciler) fail(err error) error {
	r.update(func() { r.lastError = err.Error() })
	return err
}

func (r *Reconciler) setPhase(key model.OperationKey, phase model.Phase) {
	r.update(func() {
		if op, ok := r.operations[key]; ok {
			op.Phase = phase
			r.operations[key] = op
		}
	})
}

// end deletes the operation entry; the intent has settled.
func (r *Reconciler) end(key model.OperationKey) {
	r.update(func() { delete(r.operations, key) })
}

func toRecord(id uint64, st ledger.Student) model.Record {
	return model.Record{
		ID:           id,
		Name:         st.Name,
		Registered:   st.IsRegistered,
		RegisteredAt: time.Unix(st.RegistrationDate, 0).UTC(),
	}
}
