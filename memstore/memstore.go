// Package memstore is an in-memory notifyflow.Repository and notifyflow.Transactor
// for tests and single-process development.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sky93/notifyflow"
)

type Store struct {
	mu         sync.Mutex
	tasks      map[string]notifyflow.Task
	byExternal map[string]string
	seq        map[string]int64
	nextSeq    int64
	locks      map[string]*txState
	commitErr  error
	clock      notifyflow.Clock
}

func New() *Store {
	return &Store{
		tasks:      make(map[string]notifyflow.Task),
		byExternal: make(map[string]string),
		seq:        make(map[string]int64),
		locks:      make(map[string]*txState),
		clock:      notifyflow.SystemClock,
	}
}

// WithClock replaces the clock used for modified_at stamps.
func (s *Store) WithClock(c notifyflow.Clock) *Store {
	s.clock = c
	return s
}

type txKey struct{}

type txState struct {
	undo   []func()
	locked []string
}

func txFrom(ctx context.Context) *txState {
	tx, _ := ctx.Value(txKey{}).(*txState)
	return tx
}

// WithinTx gives fn a transaction: writes are undone on error or panic and
// rows locked by LockOne are released when fn returns.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &txState{}
	done := false
	defer func() {
		if !done {
			s.rollback(tx)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	commitErr := s.commitErr
	s.commitErr = nil
	s.mu.Unlock()
	if commitErr != nil {
		s.rollback(tx)
		done = true
		return notifyflow.Temporary("commit transaction", commitErr)
	}

	s.release(tx)
	done = true
	return nil
}

// FailNextCommit makes the next transaction commit fail with err.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

func (s *Store) rollback(tx *txState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	s.releaseLocked(tx)
}

func (s *Store) release(tx *txState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(tx)
}

func (s *Store) releaseLocked(tx *txState) {
	for _, id := range tx.locked {
		if s.locks[id] == tx {
			delete(s.locks, id)
		}
	}
	tx.locked = nil
}

// put stores t and, inside a transaction, remembers how to restore the previous row.
// Callers hold s.mu.
func (s *Store) put(ctx context.Context, t notifyflow.Task) {
	if tx := txFrom(ctx); tx != nil {
		id := t.ID
		prev, existed := s.tasks[id]
		tx.undo = append(tx.undo, func() {
			if existed {
				s.tasks[id] = prev
				return
			}
			delete(s.byExternal, s.tasks[id].ExternalID)
			delete(s.tasks, id)
			delete(s.seq, id)
		})
	}
	s.tasks[t.ID] = t
}

// lockedByOther reports whether id is locked by a transaction other than ctx's.
func (s *Store) lockedByOther(ctx context.Context, id string) bool {
	owner, ok := s.locks[id]
	return ok && owner != txFrom(ctx)
}

func (s *Store) Insert(ctx context.Context, task notifyflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byExternal[task.ExternalID]; ok {
		return &notifyflow.ConflictError{ExternalID: task.ExternalID}
	}
	if _, ok := s.tasks[task.ID]; ok {
		return notifyflow.Unexpected(fmt.Sprintf("insert task %s", task.ID), notifyflow.ErrPrimaryKeyCollision)
	}
	s.nextSeq++
	s.seq[task.ID] = s.nextSeq
	s.byExternal[task.ExternalID] = task.ID
	s.put(ctx, clone(task))
	return nil
}

func (s *Store) ClaimBatch(ctx context.Context, claim notifyflow.ClaimBatch) ([]notifyflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := make(map[notifyflow.TaskStatus]bool, len(claim.FromStatuses))
	for _, st := range claim.FromStatuses {
		from[st] = true
	}

	eligible := make([]notifyflow.Task, 0)
	for id, t := range s.tasks {
		if !from[t.Status] || s.lockedByOther(ctx, id) {
			continue
		}
		if t.ExecutionScheduledAt != nil && t.ExecutionScheduledAt.After(claim.DueBefore) {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return s.seq[eligible[i].ID] < s.seq[eligible[j].ID]
	})
	if claim.Limit > 0 && len(eligible) > claim.Limit {
		eligible = eligible[:claim.Limit]
	}

	out := make([]notifyflow.Task, 0, len(eligible))
	for _, t := range eligible {
		started := claim.StartedAt
		t.Status = claim.ToStatus
		t.ExecutionStartedAt = &started
		t.ExecutionScheduledAt = nil
		t.ModifiedAt = claim.StartedAt
		s.put(ctx, t)
		out = append(out, clone(t))
	}
	return out, nil
}

func (s *Store) LockOne(ctx context.Context, q notifyflow.LockQuery) (notifyflow.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found   notifyflow.Task
		foundOK bool
	)
	for id, t := range s.tasks {
		if !slices.Contains(q.Types, t.Type) || !slices.Contains(q.Statuses, t.Status) ||
			slices.Contains(q.SkipIDs, id) || s.lockedByOther(ctx, id) {
			continue
		}
		if !foundOK || s.seq[id] < s.seq[found.ID] {
			found, foundOK = t, true
		}
	}
	if !foundOK {
		return notifyflow.Task{}, false, nil
	}
	if tx := txFrom(ctx); tx != nil {
		s.locks[found.ID] = tx
		tx.locked = append(tx.locked, found.ID)
	}
	return clone(found), true, nil
}

func (s *Store) UpdateTerminal(ctx context.Context, u notifyflow.TerminalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[u.ID]
	if !ok {
		return notifyflow.Unexpected("update terminal", &notifyflow.NotFoundError{Entity: "task", Key: u.ID})
	}
	t.Status = u.Status
	t.ExecutionCount = u.ExecutionCount
	t.Context = append([]byte(nil), u.Context...)
	t.Message = cloneString(u.Message)
	t.ExecutionScheduledAt = cloneTime(u.ExecutionScheduledAt)
	t.ExecutionStartedAt = nil
	t.ModifiedAt = u.ModifiedAt
	s.put(ctx, t)
	return nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, status notifyflow.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return notifyflow.Unexpected("mark published", &notifyflow.NotFoundError{Entity: "task", Key: id})
	}
	t.Status = status
	t.ModifiedAt = s.clock.Now()
	s.put(ctx, t)
	return nil
}

func (s *Store) FindByExternalID(_ context.Context, externalID string) (notifyflow.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return notifyflow.Task{}, false, nil
	}
	return clone(s.tasks[id]), true, nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (notifyflow.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return clone(t), ok
}

func clone(t notifyflow.Task) notifyflow.Task {
	t.Context = append([]byte(nil), t.Context...)
	t.Message = cloneString(t.Message)
	t.ExecutionStartedAt = cloneTime(t.ExecutionStartedAt)
	t.ExecutionScheduledAt = cloneTime(t.ExecutionScheduledAt)
	return t
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
