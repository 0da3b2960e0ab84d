package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/0xef53/vmigrate/internal/staging"
)

// StateStore persists MigrationState documents in the staging area,
// one per VM. Every save replaces the whole document atomically via
// a temp file rename.
type StateStore struct {
	area *staging.Area
}

func NewStateStore(area *staging.Area) *StateStore {
	return &StateStore{area: area}
}

func (s *StateStore) Load(vmID string) (*MigrationState, error) {
	b, err := os.ReadFile(s.area.StatePath(vmID))
	if err != nil {
		return nil, err
	}

	st := new(MigrationState)

	if err := json.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("malformed state document of VM %s: %w", vmID, err)
	}

	return st, nil
}

func (s *StateStore) Save(st *MigrationState) error {
	st.UpdatedAt = time.Now()

	b, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return err
	}

	fname := s.area.StatePath(st.VMID)

	if err := os.MkdirAll(filepath.Dir(fname), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fname), ".state-*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), fname)
}

// List loads every state document found in the staging area,
// ordered by VM ID. VM directories without a document are skipped.
func (s *StateStore) List() ([]*MigrationState, error) {
	ids, err := s.area.VMIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	states := make([]*MigrationState, 0, len(ids))

	for _, id := range ids {
		st, err := s.Load(id)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].VMID < states[j].VMID })

	return states, nil
}
