package carddav

import (
	"context"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/davsync/carddav/internal"
)

// upsync pushes local changes back to the server. Changes are segmented per
// addressbook by the membership tables; local additions all go to the
// default addressbook since we have no better placement information.
func (s *Syncer) upsync(ctx context.Context, added, modified, deleted []Contact) error {
	// Storage collaborators identify contacts by local id only; resolve the
	// GUIDs here so segmentation and encoding can use the mapping tables. A
	// change whose local id maps to no GUID is a mapping inconsistency:
	// logged and skipped, never fatal.
	byLocalID := make(map[string]string, len(s.state.ContactIDs))
	for guid, id := range s.state.ContactIDs {
		byLocalID[id] = guid
	}
	resolve := func(changes []Contact, kind string) []Contact {
		resolved := changes[:0:0]
		for _, c := range changes {
			if c.GUID == "" {
				c.GUID = byLocalID[c.LocalID]
			}
			if c.GUID == "" {
				s.log.Warn().Str("localId", c.LocalID).Str("kind", kind).
					Msg("local change has no guid, skipping")
				continue
			}
			resolved = append(resolved, c)
		}
		return resolved
	}
	modified = resolve(modified, "modification")
	deleted = resolve(deleted, "deletion")

	target := s.defaultAddressBook
	if target == "" {
		for url := range s.state.CTags {
			target = url
			break
		}
	}
	if target == "" {
		for url := range s.state.SyncTokens {
			target = url
			break
		}
	}
	if target == "" {
		return fatalf("no known addressbooks to upsync to")
	}

	addedByBook := make(map[string][]Contact)
	modifiedByBook := make(map[string][]Contact)
	deletedByBook := make(map[string][]Contact)
	books := make(map[string]bool)
	for _, c := range added {
		addedByBook[target] = append(addedByBook[target], c)
		books[target] = true
	}
	for url, guids := range s.state.AddressBookGUIDs {
		for _, c := range modified {
			if containsGUID(guids, c.GUID) {
				modifiedByBook[url] = append(modifiedByBook[url], c)
				books[url] = true
			}
		}
		for _, c := range deleted {
			if containsGUID(guids, c.GUID) {
				deletedByBook[url] = append(deletedByBook[url], c)
				books[url] = true
			}
		}
	}
	if len(books) == 0 {
		s.log.Debug().Msg("no local changes to upsync")
		return nil
	}

	var wg sync.WaitGroup
	for url := range books {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := s.upsyncAddressBook(ctx, url,
				addedByBook[url], modifiedByBook[url], deletedByBook[url])
			if err != nil {
				s.setErr(err)
			}
		}(url)
	}
	wg.Wait()
	return s.firstErr()
}

func containsGUID(guids []string, guid string) bool {
	for _, g := range guids {
		if g == guid {
			return true
		}
	}
	return false
}

func (s *Syncer) upsyncAddressBook(ctx context.Context, addressBookURL string, added, modified, deleted []Contact) error {
	s.log.Debug().Str("url", addressBookURL).
		Int("added", len(added)).Int("modified", len(modified)).Int("removed", len(deleted)).
		Msg("upsyncing local changes")

	for _, c := range added {
		// The server UID is minted client-side so that the GUID and the
		// upload target are known before the server ever sees the contact.
		uid := strings.ReplaceAll(uuid.New().String(), "-", "")
		guid := s.accountID + ":" + uid
		uri := strings.TrimSuffix(addressBookURL, "/") + "/" + uid + ".vcf"

		s.mu.Lock()
		s.state.ContactUIDs[guid] = uid
		s.state.ContactURIs[guid] = uri
		s.state.ContactIDs[guid] = c.LocalID
		s.state.AddMembership(addressBookURL, guid)
		s.mu.Unlock()

		c.Card.SetValue(vcard.FieldUID, uid)
		data, err := EncodeContact(c.Card, nil)
		if err != nil {
			return fatalf("failed to encode new contact %v: %w", c.LocalID, err)
		}
		newETag, err := s.transport.PutContact(ctx, uri, "", data)
		if err != nil {
			return fatalf("failed to upload new contact %v: %w", c.LocalID, err)
		}
		if newETag != "" {
			s.mu.Lock()
			s.state.ContactETags[guid] = newETag
			s.mu.Unlock()
		}
	}

	for _, c := range modified {
		s.mu.Lock()
		uid := s.state.ContactUIDs[c.GUID]
		uri := s.state.ContactURIs[c.GUID]
		etag := s.state.ContactETags[c.GUID]
		unsupported := s.state.UnsupportedProperties[c.GUID]
		s.mu.Unlock()
		if uid == "" || uri == "" {
			s.log.Warn().Str("guid", c.GUID).
				Msg("modified contact has no server uid or uri, skipping")
			continue
		}

		c.Card.SetValue(vcard.FieldUID, uid)
		data, err := EncodeContact(c.Card, unsupported)
		if err != nil {
			return fatalf("failed to encode modified contact %v: %w", c.GUID, err)
		}
		newETag, err := s.transport.PutContact(ctx, uri, etag, data)
		if err != nil {
			return fatalf("failed to upload modified contact %v: %w", c.GUID, err)
		}
		if newETag != "" {
			s.mu.Lock()
			s.state.ContactETags[c.GUID] = newETag
			s.mu.Unlock()
		}
	}

	for _, c := range deleted {
		s.mu.Lock()
		uri := s.state.ContactURIs[c.GUID]
		etag := s.state.ContactETags[c.GUID]
		s.mu.Unlock()
		if uri == "" {
			s.log.Warn().Str("guid", c.GUID).
				Msg("deleted contact has no uri, skipping")
			continue
		}
		if err := s.transport.DeleteContact(ctx, uri, etag); err != nil {
			if !internal.IsNotFound(err) {
				return fatalf("failed to delete contact %v: %w", c.GUID, err)
			}
			// Already gone on the server; the mapping cleanup still applies.
			s.log.Debug().Str("guid", c.GUID).Msg("contact already deleted on server")
		}
		s.mu.Lock()
		s.state.Forget(c.GUID, addressBookURL)
		s.mu.Unlock()
	}
	return nil
}
