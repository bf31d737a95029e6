// Package vcfdir provides a contact store over a directory of .vcf files,
// one file per contact. The file name without extension is the contact's
// local id. A JSON index next to the files records the content digest of
// every contact at the time it was last reconciled; local changes are
// detected by comparing the directory against that index.
package vcfdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/davsync/carddav"
)

const indexFile = ".carddav-index.json"

// Store implements carddav.Storage.
type Store struct {
	dir   string
	log   zerolog.Logger
	index map[string]string

	// pending is the advanced index snapshot built by LocalChanges. It
	// becomes the durable index only when AcknowledgeLocalChanges commits
	// it; a failed session discards it, so the next session reports the
	// same changes again.
	pending map[string]string
}

func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("vcfdir: %w", err)
	}
	s := &Store{dir: dir, log: log, index: make(map[string]string)}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if os.IsNotExist(err) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("vcfdir: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return nil, fmt.Errorf("vcfdir: malformed index: %w", err)
	}
	return s, nil
}

func (s *Store) saveIndex() error {
	data, err := json.MarshalIndent(s.index, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, indexFile), data, 0600)
}

func (s *Store) path(localID string) string {
	return filepath.Join(s.dir, localID+".vcf")
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// localIDFor derives a file-name-safe local id from a GUID, falling back to
// a random one when the GUID yields nothing usable.
func (s *Store) localIDFor(guid string) string {
	id := guid
	if i := strings.IndexByte(guid, ':'); i >= 0 {
		id = guid[i+1:]
	}
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		}
		return '-'
	}, id)
	if id == "" || id == indexFile {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	for {
		if _, ok := s.index[id]; !ok {
			if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
				return id
			}
		}
		id += "-" + uuid.New().String()[:8]
	}
}

func encodeCard(card vcard.Card) ([]byte, error) {
	if card.Value(vcard.FieldVersion) == "" {
		card.SetValue(vcard.FieldVersion, "3.0")
	}
	var sb strings.Builder
	if err := vcard.NewEncoder(&sb).Encode(card); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// ApplyRemoteChanges writes added and modified contacts to disk, removes
// deleted ones and records the written digests in the index.
func (s *Store) ApplyRemoteChanges(ctx context.Context, added, modified, removed []carddav.Contact) (map[string]string, error) {
	// Remote writes move the baseline; any snapshot computed before them is
	// stale and must not be committed.
	s.pending = nil

	localIDs := make(map[string]string)

	for _, c := range added {
		id := c.LocalID
		if id == "" {
			id = s.localIDFor(c.GUID)
		}
		data, err := encodeCard(c.Card)
		if err != nil {
			return nil, fmt.Errorf("vcfdir: encode %v: %w", c.GUID, err)
		}
		if err := os.WriteFile(s.path(id), data, 0600); err != nil {
			return nil, fmt.Errorf("vcfdir: %w", err)
		}
		s.index[id] = digest(data)
		localIDs[c.GUID] = id
	}
	for _, c := range modified {
		if c.LocalID == "" {
			s.log.Warn().Str("guid", c.GUID).Msg("modified contact has no local id, skipping")
			continue
		}
		data, err := encodeCard(c.Card)
		if err != nil {
			return nil, fmt.Errorf("vcfdir: encode %v: %w", c.GUID, err)
		}
		if err := os.WriteFile(s.path(c.LocalID), data, 0600); err != nil {
			return nil, fmt.Errorf("vcfdir: %w", err)
		}
		s.index[c.LocalID] = digest(data)
		localIDs[c.GUID] = c.LocalID
	}
	for _, c := range removed {
		if err := os.Remove(s.path(c.LocalID)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("vcfdir: %w", err)
		}
		delete(s.index, c.LocalID)
	}

	if err := s.saveIndex(); err != nil {
		return nil, fmt.Errorf("vcfdir: %w", err)
	}
	return localIDs, nil
}

// LocalChanges compares the directory against the last committed index. The
// index itself does not move here; the computed snapshot is held back until
// AcknowledgeLocalChanges, so a session that fails mid-way leaves the changes
// reportable for the retry.
func (s *Store) LocalChanges(ctx context.Context) (added, modified, deleted []carddav.Contact, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vcfdir: %w", err)
	}

	next := make(map[string]string, len(s.index))
	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".vcf") {
			continue
		}
		id := strings.TrimSuffix(name, ".vcf")
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("vcfdir: %w", err)
		}
		seen[id] = true

		sum := digest(data)
		old, known := s.index[id]
		if known && old == sum {
			next[id] = sum
			continue
		}
		card, err := vcard.NewDecoder(strings.NewReader(string(data))).Decode()
		if err != nil {
			s.log.Warn().Str("localId", id).Err(err).Msg("unreadable vcard file, skipping")
			if known {
				next[id] = old
			}
			continue
		}
		c := carddav.Contact{LocalID: id, Card: card}
		if known {
			modified = append(modified, c)
		} else {
			added = append(added, c)
		}
		next[id] = sum
	}

	var gone []string
	for id := range s.index {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		deleted = append(deleted, carddav.Contact{LocalID: id})
	}

	s.pending = next
	return added, modified, deleted, nil
}

// AcknowledgeLocalChanges commits the snapshot computed by the preceding
// LocalChanges call.
func (s *Store) AcknowledgeLocalChanges(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	s.index = s.pending
	s.pending = nil
	if err := s.saveIndex(); err != nil {
		return fmt.Errorf("vcfdir: %w", err)
	}
	return nil
}
