// Package carddav implements the client half of a CardDAV contact
// synchronization cycle: addressbook discovery, remote change-delta
// determination, reconciliation against locally cached identity mappings, and
// upsync of local changes.
//
// The HTTP transport and the local contact store are collaborators described
// by the Transport and Storage interfaces; the transport package provides a
// production Transport over net/http.
package carddav

import (
	"context"
	"fmt"

	"github.com/emersion/go-vcard"

	"github.com/davsync/carddav/state"
)

// Contact is one contact entity crossing the storage boundary.
//
// GUID is the locally-minted, account-scoped stable identifier of the form
// "<accountID>:<serverUID>". LocalID is the storage collaborator's identifier
// for the persisted record; it is empty for a contact the store has never
// seen.
type Contact struct {
	GUID    string
	LocalID string
	Card    vcard.Card
}

// Transport issues CardDAV requests by name and returns the raw response
// bytes for the response interpreter. Wire-level request construction,
// authentication and redirect handling are owned by the implementation.
//
// Every method reports a transport failure as a non-nil error; response
// bodies are returned uninterpreted.
type Transport interface {
	// CurrentUserPrincipal performs principal discovery against the
	// configured endpoint.
	CurrentUserPrincipal(ctx context.Context) ([]byte, error)
	// AddressBookHomeSet looks up the addressbook-home-set property of the
	// given principal path.
	AddressBookHomeSet(ctx context.Context, principalPath string) ([]byte, error)
	// AddressBooks enumerates the collections below the home set path,
	// including their display names, ctags and sync-tokens.
	AddressBooks(ctx context.Context, homeSetPath string) ([]byte, error)
	// SyncTokenDelta requests the incremental change report for an
	// addressbook since the given sync-token.
	SyncTokenDelta(ctx context.Context, addressBookURL, syncToken string) ([]byte, error)
	// ContactETags enumerates the etag of every resource in an addressbook.
	ContactETags(ctx context.Context, addressBookURL string) ([]byte, error)
	// ContactMultiget fetches the full payload and etag of the given
	// resources.
	ContactMultiget(ctx context.Context, addressBookURL string, uris []string) ([]byte, error)
	// PutContact uploads a vCard payload to uri. A non-empty etag is sent as
	// a precondition. The etag reported by the server for the stored
	// resource is returned, or "" if the server did not report one.
	PutContact(ctx context.Context, uri, etag, vcardData string) (newETag string, err error)
	// DeleteContact removes the resource at uri. A non-empty etag is sent as
	// a precondition.
	DeleteContact(ctx context.Context, uri, etag string) error
}

// Storage is the local contact store collaborator.
type Storage interface {
	// ApplyRemoteChanges stores a consolidated remote change set. It returns
	// the local storage identifier for every added and modified contact,
	// keyed by GUID; a missing identifier is a fatal session error.
	ApplyRemoteChanges(ctx context.Context, added, modified, removed []Contact) (localIDs map[string]string, err error)
	// LocalChanges reports the local-side changes since the last successfully
	// completed session. Reporting must not consume the changes: a session
	// that fails after this call retries them next time.
	LocalChanges(ctx context.Context) (added, modified, deleted []Contact, err error)
	// AcknowledgeLocalChanges marks the changes reported by the preceding
	// LocalChanges call as handed off. It is called once per session, after
	// the session state has been durably saved.
	AcknowledgeLocalChanges(ctx context.Context) error
}

// StateStore persists the per-account reconciliation state across sessions.
// state.Store implements it over an embedded badger database.
type StateStore interface {
	Load(accountID string) (*state.State, error)
	Save(accountID string, s *state.State) error
}

// Error reporting helpers: the syncer is the only place that classifies
// failures, so lower layers just wrap with context.

func fatalf(format string, a ...interface{}) error {
	return fmt.Errorf("carddav: "+format, a...)
}
