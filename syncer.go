package carddav

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/davsync/carddav/reply"
	"github.com/davsync/carddav/state"
)

// Config assembles the collaborators of a sync session.
type Config struct {
	// AccountID scopes minted GUIDs and persisted state to one account.
	AccountID string
	Transport Transport
	Storage   Storage
	States    StateStore

	// Log defaults to a no-op logger.
	Log *zerolog.Logger

	// RelaxedContactURIs loosens the contact-resource heuristic of the
	// response interpreter, see reply.Parser.
	RelaxedContactURIs bool
}

// Syncer drives one synchronization session for one account:
// discovery, per-addressbook delta determination, payload fetch,
// reconciliation, hand-off to the storage collaborator, and upsync of the
// local changes it reports back. A Syncer is single-use; create a new one
// per session.
type Syncer struct {
	accountID string
	transport Transport
	storage   Storage
	states    StateStore
	log       zerolog.Logger

	// mu guards the state tables, the parser (which mutates them), the
	// session accumulators and err. Pipelines for distinct addressbooks run
	// concurrently; holding mu across the interpretation and fold of one
	// response keeps each reconciliation step atomic.
	mu     sync.Mutex
	state  *state.State
	parser *reply.Parser
	err    error

	defaultAddressBook string

	remoteAdditions     []Contact
	remoteModifications []Contact
	remoteRemovals      []Contact
}

func NewSyncer(cfg Config) *Syncer {
	log := zerolog.Nop()
	if cfg.Log != nil {
		log = *cfg.Log
	}
	return &Syncer{
		accountID: cfg.AccountID,
		transport: cfg.Transport,
		storage:   cfg.Storage,
		states:    cfg.States,
		log:       log.With().Str("account", cfg.AccountID).Logger(),
		parser: &reply.Parser{
			AccountID:          cfg.AccountID,
			Decode:             DecodeContact,
			Log:                log,
			RelaxedContactURIs: cfg.RelaxedContactURIs,
		},
	}
}

// Run performs the full session. It returns nil on success; any other
// outcome aborts the whole session and discards its not-yet-applied changes
// (but never the durably persisted mapping tables of prior sessions). The
// caller is expected to retry a later full session on failure.
func (s *Syncer) Run(ctx context.Context) error {
	st, err := s.states.Load(s.accountID)
	if err != nil {
		return fatalf("failed to load state for account %v: %w", s.accountID, err)
	}
	s.state = st
	s.parser.State = st

	infos, err := s.discoverAddressBooks(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return fatalf("no addressbooks found for account %v", s.accountID)
	}

	added, modified, removed, err := s.downsync(ctx, infos)
	if err != nil {
		return err
	}
	s.log.Debug().
		Int("added", len(added)).Int("modified", len(modified)).Int("removed", len(removed)).
		Msg("storing remote changes to local storage")

	localIDs, err := s.storage.ApplyRemoteChanges(ctx, added, modified, removed)
	if err != nil {
		return fatalf("failed to store remote changes: %w", err)
	}
	// Update the id mapping: added contacts had no local id before now.
	for _, c := range append(append([]Contact(nil), added...), modified...) {
		id := localIDs[c.GUID]
		if id == "" {
			return fatalf("no local id provided for contact %v", c.GUID)
		}
		s.state.ContactIDs[c.GUID] = id
	}

	locallyAdded, locallyModified, locallyDeleted, err := s.storage.LocalChanges(ctx)
	if err != nil {
		return fatalf("failed to determine local changes: %w", err)
	}
	if err := s.upsync(ctx, locallyAdded, locallyModified, locallyDeleted); err != nil {
		return err
	}

	if err := s.states.Save(s.accountID, s.state); err != nil {
		return fatalf("failed to save state for account %v: %w", s.accountID, err)
	}
	if err := s.storage.AcknowledgeLocalChanges(ctx); err != nil {
		return fatalf("failed to acknowledge local changes: %w", err)
	}
	s.log.Debug().Msg("sync finished successfully")
	return nil
}

// discoverAddressBooks walks principal discovery, home-set lookup and
// addressbook enumeration. Servers that answer the principal request with
// addressbook information directly skip the two intermediate stages.
func (s *Syncer) discoverAddressBooks(ctx context.Context) ([]reply.AddressBookInfo, error) {
	data, err := s.transport.CurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fatalf("principal discovery failed: %w", err)
	}

	principal, typ, err := s.parser.ParseUserPrincipal(data)
	if err != nil {
		return nil, fatalf("principal discovery failed: %w", err)
	}
	if typ == reply.AddressBookInformationResponse {
		infos, err := s.parser.ParseAddressBookInformation(data)
		if err != nil {
			return nil, fatalf("addressbook enumeration failed: %w", err)
		}
		return infos, nil
	}
	if principal == "" {
		return nil, fatalf("no user principal in discovery response")
	}

	data, err = s.transport.AddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, fatalf("addressbook home lookup failed: %w", err)
	}
	home, err := s.parser.ParseAddressBookHome(data)
	if err != nil {
		return nil, fatalf("addressbook home lookup failed: %w", err)
	}

	data, err = s.transport.AddressBooks(ctx, home)
	if err != nil {
		return nil, fatalf("addressbook enumeration failed: %w", err)
	}
	infos, err := s.parser.ParseAddressBookInformation(data)
	if err != nil {
		return nil, fatalf("addressbook enumeration failed: %w", err)
	}
	return infos, nil
}

func (s *Syncer) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Syncer) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// downsync fans out one pipeline per addressbook and waits for all of them.
// Every pipeline is registered with the barrier before any can complete, so
// a session where no addressbook has work still completes the barrier
// exactly once.
func (s *Syncer) downsync(ctx context.Context, infos []reply.AddressBookInfo) (added, modified, removed []Contact, err error) {
	var wg sync.WaitGroup
	for _, info := range infos {
		if s.defaultAddressBook == "" {
			// Newly added local contacts upsync into the first addressbook.
			s.defaultAddressBook = info.URL
		}
		wg.Add(1)
		go func(info reply.AddressBookInfo) {
			defer wg.Done()
			if err := s.downsyncAddressBook(ctx, info); err != nil {
				s.setErr(err)
			}
		}(info)
	}
	wg.Wait()

	if err := s.firstErr(); err != nil {
		return nil, nil, nil, err
	}
	s.log.Debug().
		Int("added", len(s.remoteAdditions)).
		Int("modified", len(s.remoteModifications)).
		Int("removed", len(s.remoteRemovals)).
		Msg("downsync complete")
	return s.remoteAdditions, s.remoteModifications, s.remoteRemovals, nil
}

type downsyncMode int

const (
	downsyncNone downsyncMode = iota
	downsyncDelta
	downsyncFull
)

// downsyncAddressBook runs the per-addressbook pipeline: capability
// decision, delta materialization, payload fetch and fold. Stages are
// strictly sequential within one addressbook.
func (s *Syncer) downsyncAddressBook(ctx context.Context, info reply.AddressBookInfo) error {
	s.mu.Lock()
	mode := downsyncNone
	var oldToken string
	if info.SyncToken != "" {
		// Store the ctag anyway in case the server forgets the sync token we
		// cached.
		if info.CTag != "" {
			s.state.CTags[info.URL] = info.CTag
		}
		switch existing := s.state.SyncTokens[info.URL]; {
		case existing == "":
			// First sync: a full enumeration seeds the state.
			s.state.SyncTokens[info.URL] = info.SyncToken
			mode = downsyncFull
		case existing != info.SyncToken:
			s.state.SyncTokens[info.URL] = info.SyncToken
			oldToken = existing
			mode = downsyncDelta
		}
	} else {
		switch existing := s.state.CTags[info.URL]; {
		case existing == "" || existing != info.CTag:
			s.state.CTags[info.URL] = info.CTag
			mode = downsyncFull
		}
	}
	s.mu.Unlock()

	switch mode {
	case downsyncNone:
		s.log.Debug().Str("url", info.URL).Msg("no changes since last sync")
		return nil
	case downsyncDelta:
		data, err := s.transport.SyncTokenDelta(ctx, info.URL, oldToken)
		if err != nil {
			// The server is allowed to forget the sync token; retry this one
			// addressbook with a full enumeration instead.
			s.log.Warn().Err(err).Str("url", info.URL).
				Msg("sync token delta rejected, falling back to full enumeration")
			return s.downsyncFullEnumeration(ctx, info.URL)
		}
		s.mu.Lock()
		deltas, newToken, err := s.parser.ParseSyncTokenDelta(data)
		if err == nil {
			s.state.SyncTokens[info.URL] = newToken
		}
		s.mu.Unlock()
		if err != nil {
			return fatalf("delta for %v failed: %w", info.URL, err)
		}
		return s.fetchContacts(ctx, info.URL, deltas)
	default:
		return s.downsyncFullEnumeration(ctx, info.URL)
	}
}

func (s *Syncer) downsyncFullEnumeration(ctx context.Context, addressBookURL string) error {
	data, err := s.transport.ContactETags(ctx, addressBookURL)
	if err != nil {
		return fatalf("etag enumeration for %v failed: %w", addressBookURL, err)
	}
	s.mu.Lock()
	deltas, err := s.parser.ParseContactMetadata(data, addressBookURL)
	s.mu.Unlock()
	if err != nil {
		return fatalf("etag enumeration for %v failed: %w", addressBookURL, err)
	}
	return s.fetchContacts(ctx, addressBookURL, deltas)
}

// fetchContacts resolves a delta list: additions and modifications are
// fetched in one multiget, deletions are reconciled directly. The
// classification captured here, before the fetch, is what the fold consults;
// the live tables move underneath it while other addressbooks proceed.
func (s *Syncer) fetchContacts(ctx context.Context, addressBookURL string, deltas []reply.ContactInfo) error {
	additionURIs := make(map[string]bool)
	modificationURIs := make(map[string]bool)
	var fetchURIs []string
	var deletions []reply.ContactInfo
	for _, d := range deltas {
		switch d.Kind {
		case reply.Addition:
			additionURIs[d.URI] = true
			fetchURIs = append(fetchURIs, d.URI)
		case reply.Modification:
			modificationURIs[d.URI] = true
			fetchURIs = append(fetchURIs, d.URI)
		case reply.Deletion:
			deletions = append(deletions, d)
		}
	}
	s.log.Debug().Str("url", addressBookURL).
		Int("added", len(additionURIs)).
		Int("modified", len(modificationURIs)).
		Int("removed", len(deletions)).
		Msg("calculated remote delta")

	var added, modified []Contact
	if len(fetchURIs) > 0 {
		data, err := s.transport.ContactMultiget(ctx, addressBookURL, fetchURIs)
		if err != nil {
			return fatalf("contact fetch for %v failed: %w", addressBookURL, err)
		}

		s.mu.Lock()
		fetched, err := s.parser.ParseContactData(data)
		if err != nil {
			s.mu.Unlock()
			return fatalf("contact fetch for %v failed: %w", addressBookURL, err)
		}
		for uri, fci := range fetched {
			switch {
			case additionURIs[uri]:
				s.state.ContactETags[fci.GUID] = fci.ETag
				s.state.ContactURIs[fci.GUID] = uri
				s.state.UnsupportedProperties[fci.GUID] = fci.UnsupportedProperties
				s.state.AddMembership(addressBookURL, fci.GUID)
				c := Contact{GUID: fci.GUID, Card: fci.Card}
				// A known local id means this "addition" is a
				// previously-upsynced local contact reported back to us.
				c.LocalID = s.state.ContactIDs[fci.GUID]
				added = append(added, c)
			case modificationURIs[uri]:
				id := s.state.ContactIDs[fci.GUID]
				if id == "" {
					// Leave the cached etag alone so the change is detected
					// again next session instead of being suppressed as
					// unchanged.
					s.log.Warn().Str("uri", uri).Str("guid", fci.GUID).
						Msg("modified contact has no local id, dropping")
					continue
				}
				s.state.ContactETags[fci.GUID] = fci.ETag
				s.state.UnsupportedProperties[fci.GUID] = fci.UnsupportedProperties
				modified = append(modified, Contact{GUID: fci.GUID, LocalID: id, Card: fci.Card})
			default:
				s.log.Warn().Str("uri", uri).
					Msg("ignoring unknown addition/modification")
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	var removed []Contact
	for _, d := range deletions {
		if d.GUID == "" {
			s.log.Warn().Str("uri", d.URI).Msg("removed contact has no guid, dropping")
			continue
		}
		if id := s.state.ContactIDs[d.GUID]; id != "" {
			removed = append(removed, Contact{GUID: d.GUID, LocalID: id})
		} else {
			s.log.Warn().Str("guid", d.GUID).Msg("removed contact has no local id, dropping")
		}
		// The mapping state is purged either way: a stale entry would be
		// inferred as a deletion on every following session.
		s.state.Forget(d.GUID, addressBookURL)
	}

	s.remoteAdditions = append(s.remoteAdditions, added...)
	s.remoteModifications = append(s.remoteModifications, modified...)
	s.remoteRemovals = append(s.remoteRemovals, removed...)
	s.mu.Unlock()
	return nil
}
