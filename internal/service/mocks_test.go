package service

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/repository"
)

// --- In-memory RecordRepository ---

// memRecordRepo — in-memory реализация RecordRepository для unit-тестов.
type memRecordRepo struct {
	mu      sync.Mutex
	records map[string]*model.Record
	updates int
	listFn  func(ctx context.Context, params repository.ListParams) ([]*model.Record, int, error)
}

func newMemRecordRepo(recs ...*model.Record) *memRecordRepo {
	m := &memRecordRepo{records: make(map[string]*model.Record)}
	for _, r := range recs {
		m.records[r.Key] = r.Clone()
	}
	return m
}

func (m *memRecordRepo) Create(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key]; ok {
		return repository.ErrConflict
	}
	m.records[rec.Key] = rec.Clone()
	return nil
}

func (m *memRecordRepo) GetByKey(_ context.Context, key string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memRecordRepo) GetByKeyForUpdate(ctx context.Context, key string) (*model.Record, error) {
	return m.GetByKey(ctx, key)
}

func (m *memRecordRepo) Update(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key]; !ok {
		return repository.ErrNotFound
	}
	m.records[rec.Key] = rec.Clone()
	m.updates++
	return nil
}

func (m *memRecordRepo) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return repository.ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *memRecordRepo) List(ctx context.Context, params repository.ListParams) ([]*model.Record, int, error) {
	if m.listFn != nil {
		return m.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (m *memRecordRepo) RemoveFromShares(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if slices.Contains(rec.SharedWith, identityID) {
			rec.SharedWith = slices.DeleteFunc(rec.SharedWith, func(id string) bool { return id == identityID })
			n++
		}
	}
	return n, nil
}

func (m *memRecordRepo) DeleteOwnedBy(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if rec.Owner == ownerID {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

// --- Mock IdentityRepository ---

// mockIdentityRepo — мок IdentityRepository с набором известных identity.
type mockIdentityRepo struct {
	known       map[string]*model.Identity
	provisionFn func(ctx context.Context, id, email, name string) (*model.Identity, bool, error)
	getCalls    int
	touchCalls  int
	deleted     []string
}

func newMockIdentityRepo(ids ...string) *mockIdentityRepo {
	m := &mockIdentityRepo{known: make(map[string]*model.Identity)}
	for _, id := range ids {
		m.known[id] = &model.Identity{ID: id, Email: id + "@example.org", Name: id}
	}
	return m
}

func (m *mockIdentityRepo) Provision(ctx context.Context, id, email, name string) (*model.Identity, bool, error) {
	if m.provisionFn != nil {
		return m.provisionFn(ctx, id, email, name)
	}
	if ident, ok := m.known[id]; ok {
		return ident, false, nil
	}
	ident := &model.Identity{ID: id, Email: email, Name: name}
	m.known[id] = ident
	return ident, true, nil
}

func (m *mockIdentityRepo) GetByID(_ context.Context, id string) (*model.Identity, error) {
	m.getCalls++
	if ident, ok := m.known[id]; ok {
		return ident, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockIdentityRepo) GetByEmail(_ context.Context, email string) (*model.Identity, error) {
	for _, ident := range m.known {
		if strings.EqualFold(ident.Email, email) {
			return ident, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockIdentityRepo) UpdateProfile(_ context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error) {
	ident, ok := m.known[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if upd.Name != nil {
		ident.Name = *upd.Name
	}
	if len(upd.Preferences) > 0 {
		ident.Preferences = upd.Preferences
	}
	return ident, nil
}

func (m *mockIdentityRepo) TouchLastLogin(_ context.Context, id string) error {
	m.touchCalls++
	if _, ok := m.known[id]; !ok {
		return repository.ErrNotFound
	}
	return nil
}

func (m *mockIdentityRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.known[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.known, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// --- Transactor ---

// mockTransactor выполняет fn с теми же репозиториями, без реальной транзакции.
type mockTransactor struct {
	repos repository.Repos
	calls int
}

func (m *mockTransactor) InTx(_ context.Context, fn func(repos repository.Repos) error) error {
	m.calls++
	return fn(m.repos)
}
