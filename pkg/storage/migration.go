package storage

import "github.com/fxamacker/cbor/v2"

// MigrationType distinguishes a two-phase Regular migration from a
// single-shot Hotfix (spec.md §4.4.5).
type MigrationType int

const (
	MigrationRegular MigrationType = iota
	MigrationHotfix
)

// MigrationMetadata is the bookkeeping the engine uses to decide when a
// migration fires.
type MigrationMetadata struct {
	BlockHeight uint64
	Disabled    bool
	Issue       string
	Extras      map[string]string
}

// Migration is one entry in a MigrationSet. Initialize/Update back a
// Regular migration; Hotfix backs a Hotfix migration. Exactly one of the
// two function slots is populated, matching Type.
type Migration struct {
	Name     string
	Metadata MigrationMetadata
	Type     MigrationType
	Active   bool
	Enabled  bool

	Initialize func(*Engine) error
	Update     func(*Engine) error
	Hotfix     func(data []byte) ([]byte, bool)
}

// MigrationSet holds the named migrations an engine runs at block boundaries.
type MigrationSet struct {
	byName map[string]*Migration
}

// NewMigrationSet builds a MigrationSet from the given migrations.
func NewMigrationSet(migrations ...*Migration) *MigrationSet {
	s := &MigrationSet{byName: make(map[string]*Migration, len(migrations))}
	for _, m := range migrations {
		s.byName[m.Name] = m
	}
	return s
}

// UpdateAtHeight runs every enabled Regular migration's initialize/update
// hook for the given height (spec.md §4.4.5).
func (s *MigrationSet) UpdateAtHeight(e *Engine, height uint64) error {
	for _, m := range s.byName {
		if m.Type != MigrationRegular || !m.Enabled || m.Metadata.Disabled {
			continue
		}
		switch {
		case height == m.Metadata.BlockHeight && !m.Active:
			if m.Initialize != nil {
				if err := m.Initialize(e); err != nil {
					return err
				}
			}
			m.Active = true
		case height > m.Metadata.BlockHeight:
			if m.Update != nil {
				if err := m.Update(e); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Hotfix invokes the named Hotfix migration at the exact height it is
// scheduled for; it returns (rewritten, true) only when the migration is
// enabled and height matches exactly.
func (s *MigrationSet) Hotfix(name string, data []byte, height uint64) ([]byte, bool) {
	m, ok := s.byName[name]
	if !ok || m.Type != MigrationHotfix || !m.Enabled || m.Metadata.Disabled {
		return nil, false
	}
	if height != m.Metadata.BlockHeight {
		return nil, false
	}
	if m.Hotfix == nil {
		return nil, false
	}
	return m.Hotfix(data)
}

// BlockHotfix encodes mk() to CBOR, runs the named hotfix at
// currentHeight+1, and decodes a rewritten result back into the same type
// if the hotfix fired. It lets the engine transparently overwrite specific
// responses at specific heights without rewriting history.
func BlockHotfix[T any](s *MigrationSet, name string, currentHeight uint64, mk func() T) (T, error) {
	var zero T
	value := mk()
	data, err := cbor.Marshal(value)
	if err != nil {
		return zero, err
	}
	rewritten, fired := s.Hotfix(name, data, currentHeight+1)
	if !fired {
		return value, nil
	}
	var out T
	if err := cbor.Unmarshal(rewritten, &out); err != nil {
		return zero, err
	}
	return out, nil
}
