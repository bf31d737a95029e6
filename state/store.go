package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

// Store persists one State per account in an embedded badger database. Each
// mapping table is an independent JSON blob under a key namespaced by
// account, so an account can be loaded, saved or purged without touching any
// other account's state.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the state database in dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("state: failed to open store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

func stateKey(accountID, table string) []byte {
	return []byte("carddav/" + accountID + "/" + table)
}

// tables enumerates the persisted blobs of a State. The names double as the
// storage key suffixes.
func tables(s *State) []struct {
	name string
	v    interface{}
} {
	return []struct {
		name string
		v    interface{}
	}{
		{"contactUids", &s.ContactUIDs},
		{"contactUris", &s.ContactURIs},
		{"contactEtags", &s.ContactETags},
		{"contactIds", &s.ContactIDs},
		{"contactUnsupportedProperties", &s.UnsupportedProperties},
		{"addressbookContactGuids", &s.AddressBookGUIDs},
		{"addressbookCtags", &s.CTags},
		{"addressbookSyncTokens", &s.SyncTokens},
	}
}

// Load reads the account's state. Missing blobs yield empty tables (a first
// sync). A malformed blob on any table invalidates the whole cached state:
// the account's blobs are purged and an error is returned, so the session
// fails and the next one starts from scratch instead of trusting a partial
// subset of tables.
func (st *Store) Load(accountID string) (*State, error) {
	s := New()
	err := st.db.View(func(txn *badger.Txn) error {
		for _, tbl := range tables(s) {
			item, err := txn.Get(stateKey(accountID, tbl.name))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return fmt.Errorf("state: failed to read table %q: %w", tbl.name, err)
			}
			blob, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("state: failed to read table %q: %w", tbl.name, err)
			}
			if err := json.Unmarshal(blob, tbl.v); err != nil {
				return fmt.Errorf("state: malformed table %q: %w", tbl.name, err)
			}
		}
		return nil
	})
	if err != nil {
		st.log.Warn().Err(err).Str("account", accountID).
			Msg("discarding cached state for account")
		if purgeErr := st.Purge(accountID); purgeErr != nil {
			st.log.Error().Err(purgeErr).Str("account", accountID).
				Msg("failed to purge cached state for account")
		}
		return New(), err
	}
	return s, nil
}

// Save writes every table of the account's state in a single transaction.
func (st *Store) Save(accountID string, s *State) error {
	err := st.db.Update(func(txn *badger.Txn) error {
		for _, tbl := range tables(s) {
			blob, err := json.Marshal(tbl.v)
			if err != nil {
				return fmt.Errorf("state: failed to encode table %q: %w", tbl.name, err)
			}
			if err := txn.Set(stateKey(accountID, tbl.name), blob); err != nil {
				return fmt.Errorf("state: failed to write table %q: %w", tbl.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// Purge removes all persisted state for the account, for account removal and
// for recovery from malformed blobs.
func (st *Store) Purge(accountID string) error {
	return st.db.Update(func(txn *badger.Txn) error {
		for _, tbl := range tables(New()) {
			if err := txn.Delete(stateKey(accountID, tbl.name)); err != nil {
				return fmt.Errorf("state: failed to purge table %q: %w", tbl.name, err)
			}
		}
		return nil
	})
}
