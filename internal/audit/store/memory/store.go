// Package memory is the in-memory counterpart of the postgres audit store,
// used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"scribe/internal/audit"
)

type Store struct {
	mu      sync.RWMutex
	nextID  int64
	byKey   map[string]int64
	audits  []*audit.Entity
	tables  map[string]struct{}
	links   []audit.OrgLink
	failFor map[string]error

	now func() time.Time
}

func New() *Store {
	return &Store{
		byKey:   make(map[string]int64),
		tables:  make(map[string]struct{}),
		failFor: make(map[string]error),
		now:     time.Now,
	}
}

// FailTable makes Ingest fail for records of the given table. Tests use it to
// exercise partial-batch behavior.
func (s *Store) FailTable(tableName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[tableName] = err
}

func (s *Store) Ingest(_ context.Context, e *audit.Entity, tenantIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failFor[e.TableName]; err != nil {
		return err
	}
	if _, seen := s.byKey[e.RecordID]; seen {
		return nil
	}

	s.nextID++
	row := *e
	row.ID = s.nextID
	row.IsActive = true
	row.CreatedAt = s.now().Unix()
	row.UpdatedAt = row.CreatedAt
	row.Version = 1
	s.byKey[row.RecordID] = row.ID
	s.audits = append(s.audits, &row)
	s.tables[e.TableName] = struct{}{}
	for _, orgID := range tenantIDs {
		s.links = append(s.links, audit.OrgLink{OrganizationID: orgID, AuditID: row.ID})
	}
	return nil
}

func (s *Store) ScopedAuditIDs(_ context.Context, orgIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[int64]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		wanted[id] = struct{}{}
	}
	seen := make(map[int64]struct{})
	var ids []int64
	for _, link := range s.links {
		if _, ok := wanted[link.OrganizationID]; !ok {
			continue
		}
		if _, dup := seen[link.AuditID]; dup {
			continue
		}
		seen[link.AuditID] = struct{}{}
		ids = append(ids, link.AuditID)
	}
	return ids, nil
}

func (s *Store) ListTables(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Audits returns a snapshot of the ingested rows in insertion order.
func (s *Store) Audits() []audit.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Entity, 0, len(s.audits))
	for _, row := range s.audits {
		out = append(out, *row)
	}
	return out
}

// Links returns a snapshot of the organization link rows.
func (s *Store) Links() []audit.OrgLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.OrgLink(nil), s.links...)
}
