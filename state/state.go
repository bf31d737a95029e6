// Package state holds the identity and version mapping tables that survive
// between synchronization sessions, and their persistence.
//
// Every table is keyed by GUID, the account-scoped stable contact identifier
// "<accountID>:<serverUID>", except the per-addressbook tables which are
// keyed by addressbook URL.
package state

// State is the durable memory of prior synchronization sessions for one
// account. It is loaded once at session start, mutated in place by the sync
// engine, and written back at session end. It is not safe for concurrent
// access; the engine serializes access itself.
type State struct {
	// ContactUIDs maps GUID to the server-assigned UID embedded in the wire
	// payload. The UID is stable across renames of the transport resource.
	ContactUIDs map[string]string
	// ContactURIs maps GUID to the remote resource path.
	ContactURIs map[string]string
	// ContactETags maps GUID to the last-known resource version tag.
	ContactETags map[string]string
	// ContactIDs maps GUID to the local storage identifier. A GUID present
	// here but absent from ContactURIs/ContactUIDs is a purely local,
	// not-yet-upsynced contact.
	ContactIDs map[string]string
	// UnsupportedProperties maps GUID to the raw property strings the codec
	// cannot natively model, in encounter order.
	UnsupportedProperties map[string][]string
	// AddressBookGUIDs maps addressbook URL to the ordered membership list
	// of GUIDs in that collection.
	AddressBookGUIDs map[string][]string
	// CTags and SyncTokens record the last observed capability tokens per
	// addressbook URL.
	CTags      map[string]string
	SyncTokens map[string]string
}

func New() *State {
	return &State{
		ContactUIDs:           make(map[string]string),
		ContactURIs:           make(map[string]string),
		ContactETags:          make(map[string]string),
		ContactIDs:            make(map[string]string),
		UnsupportedProperties: make(map[string][]string),
		AddressBookGUIDs:      make(map[string][]string),
		CTags:                 make(map[string]string),
		SyncTokens:            make(map[string]string),
	}
}

// GUIDForURI returns the GUID mapped to the given resource path, or "".
func (s *State) GUIDForURI(uri string) string {
	for guid, u := range s.ContactURIs {
		if u == uri {
			return guid
		}
	}
	return ""
}

// GUIDForUID returns the GUID mapped to the given server UID, or "".
func (s *State) GUIDForUID(uid string) string {
	for guid, u := range s.ContactUIDs {
		if u == uid {
			return guid
		}
	}
	return ""
}

// AddMembership appends guid to the addressbook's membership list if it is
// not already a member.
func (s *State) AddMembership(addressBookURL, guid string) {
	for _, g := range s.AddressBookGUIDs[addressBookURL] {
		if g == guid {
			return
		}
	}
	s.AddressBookGUIDs[addressBookURL] = append(s.AddressBookGUIDs[addressBookURL], guid)
}

// Forget removes a GUID from every mapping table and from the given
// addressbook's membership list. Removal must be complete: a stale membership
// entry would later be inferred as a deletion.
func (s *State) Forget(guid, addressBookURL string) {
	delete(s.ContactUIDs, guid)
	delete(s.ContactURIs, guid)
	delete(s.ContactETags, guid)
	delete(s.ContactIDs, guid)
	delete(s.UnsupportedProperties, guid)

	members := s.AddressBookGUIDs[addressBookURL]
	for i, g := range members {
		if g == guid {
			s.AddressBookGUIDs[addressBookURL] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
}
