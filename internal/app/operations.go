package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"school-registry/internal/identity"
	"school-registry/internal/ledger"
	"school-registry/internal/logging"
	"school-registry/internal/model"
)

// Connect resolves the caller identity, derives the authorization flag from
// the store's admin and reloads the list.
func (r *Reconciler) Connect(ctx context.Context) error {
	done := r.cfg.Metrics.Begin("connect")
	err := r.connect(ctx)
	done(Code(err))
	return err
}

func (r *Reconciler) connect(ctx context.Context) error {
	r.update(func() { r.connecting = true })

	caller, err := r.identity.Current(ctx)
	if err == nil && caller == "" {
		err = identity.ErrNoIdentity
	}
	if err != nil {
		cerr := ErrConnection
		if !errors.Is(err, identity.ErrNoIdentity) {
			cerr = fmt.Errorf("%w: %v", ErrConnection, err)
		}
		r.update(func() {
			r.connecting, r.connected, r.authorized, r.caller = false, false, false, ""
			r.lastError = cerr.Error()
		})
		return cerr
	}

	admin, err := r.store.Admin(ctx)
	if errors.Is(err, ledger.ErrNoAdmin) {
		admin, err = r.cfg.StaticAdmin, nil
	}
	if err != nil {
		ferr := fmt.Errorf("%w: resolve admin: %v", ErrFetchFailed, err)
		r.update(func() {
			r.connecting, r.connected, r.authorized, r.caller = false, true, false, caller
			r.lastError = ferr.Error()
		})
		return ferr
	}

	authorized := ledger.SameIdentity(caller, admin)
	r.update(func() {
		r.connecting, r.connected, r.authorized, r.caller = false, true, authorized, caller
	})
	r.log.Info().Str("identity", caller).Bool("authorized", authorized).Msg("Connected")

	return r.ListAll(ctx)
}

// Watch treats every identity change as a fresh Connect. The returned func
// stops watching.
func (r *Reconciler) Watch(ctx context.Context) (cancel func()) {
	return r.identity.Subscribe(func(next string) {
		r.log.Debug().Str("identity", next).Msg("Identity changed")
		if err := r.Connect(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Reconnect after identity change failed")
		}
	})
}

// ListAll re-derives the record list from the store and publishes it in one
// step. On failure the previous list stays published.
func (r *Reconciler) ListAll(ctx context.Context) error {
	defer logging.LogOperationStart(r.log, "list_all")()

	r.mu.Lock()
	r.listSeq++
	seq := r.listSeq
	r.mu.Unlock()

	records, err := r.fetchAll(ctx)
	if err != nil {
		r.cfg.Metrics.Reload("error", 0)
		r.log.Warn().Err(err).Msg("List reload failed")
		return r.fail(fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}

	r.update(func() {
		// A reload that started earlier must not replace a newer list.
		if seq > r.publishedSeq {
			r.records = records
			r.publishedSeq = seq
		}
		r.lastError = ""
	})
	r.cfg.Metrics.Reload("ok", len(records))
	return nil
}

func (r *Reconciler) fetchAll(ctx context.Context) ([]model.Record, error) {
	ids, err := r.store.GetAllStudentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}

	details := make([]ledger.Student, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			st, err := r.store.GetStudent(gctx, id)
			if err != nil {
				return fmt.Errorf("student %d: %w", id, err)
			}
			details[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]model.Record, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for i, st := range details {
		if !st.IsRegistered || seen[ids[i]] {
			continue
		}
		seen[ids[i]] = true
		records = append(records, toRecord(ids[i], st))
	}
	return records, nil
}

// Register submits a new student and waits for the ledger to commit it. The
// record becomes visible only through the reload that follows the commit.
func (r *Reconciler) Register(ctx context.Context, id uint64, name string) error {
	done := r.cfg.Metrics.Begin(string(model.KindRegister))
	err := r.register(ctx, id, strings.TrimSpace(name))
	done(Code(err))
	return err
}

func (r *Reconciler) register(ctx context.Context, id uint64, name string) error {
	if name == "" {
		return r.fail(fmt.Errorf("%w: name is required", ErrInvalidInput))
	}
	key := model.OperationKey{Kind: model.KindRegister, ID: id}
	caller, err := r.begin(key, true, func() error {
		if r.publishedLocked(id) {
			return fmt.Errorf("%w: %d", ErrAlreadyExists, id)
		}
		return nil
	})
	if err != nil {
		return r.fail(err)
	}
	defer r.end(key)

	sub, err := r.store.RegisterStudent(ctx, caller, id, name)
	if err != nil {
		return r.rejected(ctx, key, err)
	}
	return r.confirm(ctx, key, sub)
}

// Remove submits a removal and waits for the ledger to commit it.
func (r *Reconciler) Remove(ctx context.Context, id uint64) error {
	done := r.cfg.Metrics.Begin(string(model.KindRemove))
	err := r.remove(ctx, id)
	done(Code(err))
	return err
}

func (r *Reconciler) remove(ctx context.Context, id uint64) error {
	key := model.OperationKey{Kind: model.KindRemove, ID: id}
	caller, err := r.begin(key, true, func() error {
		if !r.publishedLocked(id) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return r.fail(err)
	}
	defer r.end(key)

	sub, err := r.store.RemoveStudent(ctx, caller, id)
	if err != nil {
		return r.rejected(ctx, key, err)
	}
	return r.confirm(ctx, key, sub)
}

// Search fetches one student without touching the published list. An
// unregistered student yields ErrNotFound, which is not recorded as the last
// error.
func (r *Reconciler) Search(ctx context.Context, id uint64) (model.Record, error) {
	done := r.cfg.Metrics.Begin(string(model.KindSearch))
	rec, err := r.search(ctx, id)
	done(Code(err))
	return rec, err
}

func (r *Reconciler) search(ctx context.Context, id uint64) (model.Record, error) {
	key := model.OperationKey{Kind: model.KindSearch, ID: id}
	if _, err := r.begin(key, false, nil); err != nil {
		return model.Record{}, r.fail(err)
	}
	defer r.end(key)

	st, err := r.store.GetStudent(ctx, id)
	if err != nil {
		return model.Record{}, r.fail(fmt.Errorf("%w: student %d: %v", ErrFetchFailed, id, err))
	}
	if !st.IsRegistered {
		return model.Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return toRecord(id, st), nil
}

// begin checks preconditions and claims the operation key. check runs under
// the state lock. It returns the caller identity to submit as.
func (r *Reconciler) begin(key model.OperationKey, mutating bool, check func() error) (string, error) {
	r.mu.Lock()
	if mutating {
		if !r.connected {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: connect before modifying students", ErrConnection)
		}
		if !r.authorized {
			r.mu.Unlock()
			return "", ErrUnauthorized
		}
	}
	if _, busy := r.operations[key]; busy {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrOperationInProgress, key)
	}
	if check != nil {
		if err := check(); err != nil {
			r.mu.Unlock()
			return "", err
		}
	}
	r.operations[key] = model.OperationState{
		Kind:      key.Kind,
		ID:        key.ID,
		Phase:     model.PhaseSubmitting,
		StartedAt: r.now(),
	}
	caller := r.caller
	r.version++
	r.mu.Unlock()

	r.notify()
	r.log.Debug().Str("operation", key.String()).Msg("Operation submitted")
	return caller, nil
}

func (r *Reconciler) publishedLocked(id uint64) bool {
	for _, rec := range r.records {
		if rec.ID == id {
			return true
		}
	}
	return false
}

// confirm waits for commitment, then re-derives the list. The operation
// entry is held until the reload finishes so the same intent cannot be
// resubmitted against a stale list.
func (r *Reconciler) confirm(ctx context.Context, key model.OperationKey, sub ledger.Submission) error {
	r.setPhase(key, model.PhaseConfirming)
	if err := r.await(ctx, sub); err != nil {
		return r.rejected(ctx, key, err)
	}
	r.setPhase(key, model.PhaseSettled)
	r.log.Info().Str("operation", key.String()).Str("submission", sub.ID()).Msg("Operation committed")

	// The mutation is durable either way; a failed reload leaves its own last error.
	_ = r.ListAll(ctx)
	return nil
}

func (r *Reconciler) await(ctx context.Context, sub ledger.Submission) error {
	if r.cfg.ConfirmTimeout <= 0 {
		return sub.AwaitCommit(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
	defer cancel()
	err := sub.AwaitCommit(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", errConfirmTimeout, r.cfg.ConfirmTimeout)
	}
	return err
}

func (r *Reconciler) rejected(ctx context.Context, key model.OperationKey, err error) error {
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		r.log.Warn().Str("operation", key.String()).Msg("Caller stopped waiting for operation")
		return r.fail(fmt.Errorf("%w: %s: %v", ErrAbandoned, key, cerr))
	}
	r.log.Warn().Err(err).Str("operation", key.String()).Msg("Store rejected operation")
	return r.fail(&RejectedError{Kind: key.Kind, ID: key.ID, Err: err})
}
