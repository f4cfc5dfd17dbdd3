package resourcestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// Transaction is a TransactionContext (§4.3 "transaction()"): a batch of
// create/upsert/read/delete calls that commit or roll back atomically,
// backing the FHIR transaction-bundle interaction (§6).
type Transaction struct {
	store *Store
	tx    pgx.Tx
	ctx   context.Context
	done  bool
}

// Begin opens a transaction. Callers must call Commit or Rollback exactly
// once; a Transaction left open past its Context's lifetime is rolled back
// by the underlying connection close, never silently committed.
func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin resource store transaction: %w", err)
	}
	return &Transaction{store: s, tx: tx, ctx: ctx}, nil
}

func (t *Transaction) Create(resourceType string, body fhirvalue.Value) (Resource, error) {
	id := uuid.NewString()
	return t.store.insertVersion(t.ctx, t.tx, resourceType, id, 1, body, false)
}

func (t *Transaction) Upsert(resourceType, id string, body fhirvalue.Value) (Resource, error) {
	if err := t.store.acquireLock(t.ctx, t.tx, resourceType, id); err != nil {
		return Resource{}, err
	}
	current, err := t.store.currentVersion(t.ctx, t.tx, resourceType, id)
	nextVersion := 1
	if err == nil {
		nextVersion = current.VersionID + 1
	} else if !errors.Is(err, ErrNotFound) {
		return Resource{}, err
	}
	return t.store.insertVersion(t.ctx, t.tx, resourceType, id, nextVersion, body, false)
}

func (t *Transaction) Read(resourceType, id string) (Resource, error) {
	return t.store.currentVersion(t.ctx, t.tx, resourceType, id)
}

// Update appends a new version, honoring the same optimistic-concurrency
// check as Store.Update (expectedVersion of 0 skips the check).
func (t *Transaction) Update(resourceType, id string, body fhirvalue.Value, expectedVersion int) (Resource, error) {
	if err := t.store.acquireLock(t.ctx, t.tx, resourceType, id); err != nil {
		return Resource{}, err
	}
	current, err := t.store.currentVersion(t.ctx, t.tx, resourceType, id)
	if err != nil {
		return Resource{}, err
	}
	if expectedVersion > 0 && expectedVersion != current.VersionID {
		return Resource{}, ErrVersionConflict
	}
	return t.store.insertVersion(t.ctx, t.tx, resourceType, id, current.VersionID+1, body, false)
}

func (t *Transaction) Delete(resourceType, id string) (int, error) {
	if err := t.store.acquireLock(t.ctx, t.tx, resourceType, id); err != nil {
		return 0, err
	}
	current, err := t.store.currentVersion(t.ctx, t.tx, resourceType, id)
	if err != nil {
		return 0, err
	}
	r, err := t.store.insertVersion(t.ctx, t.tx, resourceType, id, current.VersionID+1, fhirvalue.Empty, true)
	if err != nil {
		return 0, err
	}
	return r.VersionID, nil
}

func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("resourcestore: transaction already finished")
	}
	t.done = true
	return t.tx.Commit(t.ctx)
}

func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(t.ctx)
}
