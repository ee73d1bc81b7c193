package memorypersistence

import (
	"context"
	"sort"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadProcess returns the record of a process.
func (ds *dataStore) LoadProcess(
	_ context.Context,
	id string,
) (persistence.ProcessRecord, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	if rec, ok := ds.db.process.records[id]; ok {
		return rec, nil
	}

	return persistence.ProcessRecord{ID: id}, nil
}

// LoadActiveProcesses returns the records of all processes that have not
// reached a terminal status, sorted by ID.
func (ds *dataStore) LoadActiveProcesses(
	context.Context,
) ([]persistence.ProcessRecord, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	var records []persistence.ProcessRecord
	for _, rec := range ds.db.process.records {
		if !rec.Terminal {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	return records, nil
}

// VisitSaveProcess returns an error if a "SaveProcess" operation can not be
// applied to the database.
func (v *validator) VisitSaveProcess(
	_ context.Context,
	op persistence.SaveProcess,
) error {
	if op.Process.Revision == v.db.process.records[op.Process.ID].Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitSaveProcess applies the changes in a "SaveProcess" operation to the
// database.
func (c *committer) VisitSaveProcess(
	_ context.Context,
	op persistence.SaveProcess,
) error {
	c.db.process.save(op.Process)
	return nil
}

// processDatabase contains process records.
type processDatabase struct {
	records map[string]persistence.ProcessRecord
}

// save stores rec in the database.
func (db *processDatabase) save(rec persistence.ProcessRecord) {
	if db.records == nil {
		db.records = map[string]persistence.ProcessRecord{}
	}

	rec.Revision++
	db.records[rec.ID] = rec
}
