package carddav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davsync/carddav/internal"
	"github.com/davsync/carddav/state"
)

const (
	principalDoc = `<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/carddav/</d:href>
  <d:propstat>
   <d:prop>
    <d:current-user-principal><d:href>/principals/alice/</d:href></d:current-user-principal>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

	homeSetDoc = `<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
 <d:response>
  <d:href>/principals/alice/</d:href>
  <d:propstat>
   <d:prop>
    <card:addressbook-home-set><d:href>/carddav/alice/</d:href></card:addressbook-home-set>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`
)

func addressBooksDoc(books ...[3]string) string {
	var sb strings.Builder
	sb.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav" xmlns:cs="http://calendarserver.org/ns/">`)
	for _, b := range books {
		url, ctag, token := b[0], b[1], b[2]
		sb.WriteString(`<d:response><d:href>` + url + `</d:href><d:propstat><d:prop>`)
		sb.WriteString(`<d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>`)
		if ctag != "" {
			sb.WriteString(`<cs:getctag>` + ctag + `</cs:getctag>`)
		}
		if token != "" {
			sb.WriteString(`<d:sync-token>` + token + `</d:sync-token>`)
		}
		sb.WriteString(`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	}
	sb.WriteString(`</d:multistatus>`)
	return sb.String()
}

func etagsDoc(rows map[string]string) string {
	var sb strings.Builder
	sb.WriteString(`<d:multistatus xmlns:d="DAV:">`)
	for uri, etag := range rows {
		sb.WriteString(`<d:response><d:href>` + uri + `</d:href><d:propstat>`)
		sb.WriteString(`<d:prop><d:getetag>` + etag + `</d:getetag></d:prop>`)
		sb.WriteString(`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	}
	sb.WriteString(`</d:multistatus>`)
	return sb.String()
}

func contactDataDoc(rows map[string][2]string) string {
	var sb strings.Builder
	sb.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">`)
	for uri, row := range rows {
		uid, etag := row[0], row[1]
		sb.WriteString(`<d:response><d:href>` + uri + `</d:href><d:propstat><d:prop>`)
		sb.WriteString(`<d:getetag>` + etag + `</d:getetag>`)
		sb.WriteString("<card:address-data>BEGIN:VCARD\nVERSION:3.0\nUID:" + uid +
			"\nFN:Contact " + uid + "\nEND:VCARD</card:address-data>")
		sb.WriteString(`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	}
	sb.WriteString(`</d:multistatus>`)
	return sb.String()
}

type putCall struct {
	uri, etag string
	data      string
}

// fakeTransport serves canned responses keyed by addressbook URL and records
// resource operations. Pipelines for distinct addressbooks call it
// concurrently.
type fakeTransport struct {
	mu sync.Mutex

	principal    string
	homeSet      string
	addressBooks string

	deltas    map[string]string
	deltaErrs map[string]error
	etags     map[string]string
	multigets map[string]string
	putETag   string
	putErr    error
	deleteErr error

	deltaTokens   map[string]string
	etagCalls     []string
	multigetURIs  map[string][]string
	puts          []putCall
	deletes       []putCall
	homeSetCalled bool
	booksCalled   bool
}

func (f *fakeTransport) CurrentUserPrincipal(ctx context.Context) ([]byte, error) {
	return []byte(f.principal), nil
}

func (f *fakeTransport) AddressBookHomeSet(ctx context.Context, principalPath string) ([]byte, error) {
	f.mu.Lock()
	f.homeSetCalled = true
	f.mu.Unlock()
	return []byte(f.homeSet), nil
}

func (f *fakeTransport) AddressBooks(ctx context.Context, homeSetPath string) ([]byte, error) {
	f.mu.Lock()
	f.booksCalled = true
	f.mu.Unlock()
	return []byte(f.addressBooks), nil
}

func (f *fakeTransport) SyncTokenDelta(ctx context.Context, addressBookURL, syncToken string) ([]byte, error) {
	f.mu.Lock()
	if f.deltaTokens == nil {
		f.deltaTokens = make(map[string]string)
	}
	f.deltaTokens[addressBookURL] = syncToken
	f.mu.Unlock()
	if err := f.deltaErrs[addressBookURL]; err != nil {
		return nil, err
	}
	return []byte(f.deltas[addressBookURL]), nil
}

func (f *fakeTransport) ContactETags(ctx context.Context, addressBookURL string) ([]byte, error) {
	f.mu.Lock()
	f.etagCalls = append(f.etagCalls, addressBookURL)
	f.mu.Unlock()
	return []byte(f.etags[addressBookURL]), nil
}

func (f *fakeTransport) ContactMultiget(ctx context.Context, addressBookURL string, uris []string) ([]byte, error) {
	f.mu.Lock()
	if f.multigetURIs == nil {
		f.multigetURIs = make(map[string][]string)
	}
	f.multigetURIs[addressBookURL] = append([]string(nil), uris...)
	f.mu.Unlock()
	return []byte(f.multigets[addressBookURL]), nil
}

func (f *fakeTransport) PutContact(ctx context.Context, uri, etag, vcardData string) (string, error) {
	f.mu.Lock()
	f.puts = append(f.puts, putCall{uri: uri, etag: etag, data: vcardData})
	f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	return f.putETag, nil
}

func (f *fakeTransport) DeleteContact(ctx context.Context, uri, etag string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, putCall{uri: uri, etag: etag})
	f.mu.Unlock()
	return f.deleteErr
}

// fakeStorage hands out sequential local ids for contacts it has never seen.
type fakeStorage struct {
	applied struct {
		added, modified, removed []Contact
	}
	applyCalled bool
	acked       bool
	nextID      int

	localAdded, localModified, localDeleted []Contact
}

func (f *fakeStorage) ApplyRemoteChanges(ctx context.Context, added, modified, removed []Contact) (map[string]string, error) {
	f.applyCalled = true
	f.applied.added = added
	f.applied.modified = modified
	f.applied.removed = removed

	localIDs := make(map[string]string)
	for _, c := range added {
		if c.LocalID != "" {
			localIDs[c.GUID] = c.LocalID
			continue
		}
		f.nextID++
		localIDs[c.GUID] = fmt.Sprintf("local-%d", f.nextID)
	}
	for _, c := range modified {
		localIDs[c.GUID] = c.LocalID
	}
	return localIDs, nil
}

func (f *fakeStorage) LocalChanges(ctx context.Context) (added, modified, deleted []Contact, err error) {
	return f.localAdded, f.localModified, f.localDeleted, nil
}

func (f *fakeStorage) AcknowledgeLocalChanges(ctx context.Context) error {
	f.acked = true
	return nil
}

type fakeStateStore struct {
	state *state.State
	saved bool
}

func (f *fakeStateStore) Load(accountID string) (*state.State, error) {
	if f.state == nil {
		f.state = state.New()
	}
	return f.state, nil
}

func (f *fakeStateStore) Save(accountID string, s *state.State) error {
	f.saved = true
	f.state = s
	return nil
}

func newTestSyncer(tr *fakeTransport, st *fakeStorage, ss *fakeStateStore) *Syncer {
	return NewSyncer(Config{
		AccountID: "acct",
		Transport: tr,
		Storage:   st,
		States:    ss,
	})
}

func TestRunFirstSync(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", "token-1"}),
		etags: map[string]string{
			bookURL: etagsDoc(map[string]string{
				bookURL + "one.vcf": `"e1"`,
				bookURL + "two.vcf": `"e2"`,
			}),
		},
		multigets: map[string]string{
			bookURL: contactDataDoc(map[string][2]string{
				bookURL + "one.vcf": {"u1", `"e1"`},
				bookURL + "two.vcf": {"u2", `"e2"`},
			}),
		},
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	// First sync with a sync-token capable server still enumerates fully.
	require.Equal(t, []string{bookURL}, tr.etagCalls)
	require.Empty(t, tr.deltaTokens)
	require.ElementsMatch(t, []string{bookURL + "one.vcf", bookURL + "two.vcf"},
		tr.multigetURIs[bookURL])

	require.Len(t, st.applied.added, 2)
	require.Empty(t, st.applied.modified)
	require.Empty(t, st.applied.removed)

	require.True(t, ss.saved)
	require.True(t, st.acked)
	s := ss.state
	require.Equal(t, "token-1", s.SyncTokens[bookURL])
	require.Equal(t, "ctag-1", s.CTags[bookURL])
	require.Equal(t, "u1", s.ContactUIDs["acct:u1"])
	require.Equal(t, bookURL+"one.vcf", s.ContactURIs["acct:u1"])
	require.Equal(t, `"e2"`, s.ContactETags["acct:u2"])
	require.NotEmpty(t, s.ContactIDs["acct:u1"])
	require.ElementsMatch(t, []string{"acct:u1", "acct:u2"}, s.AddressBookGUIDs[bookURL])
}

func TestRunNoChanges(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	seed.SyncTokens[bookURL] = "token-1"
	seed.CTags[bookURL] = "ctag-1"

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", "token-1"}),
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{state: seed}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	// No delta was requested and no enumeration made, but the session still
	// ran to completion through the barrier.
	require.Empty(t, tr.deltaTokens)
	require.Empty(t, tr.etagCalls)
	require.True(t, st.applyCalled)
	require.Empty(t, st.applied.added)
	require.True(t, ss.saved)
}

func TestRunSyncTokenDelta(t *testing.T) {
	changed := "/carddav/alice/contacts/"
	quiet := "/carddav/alice/work/"

	seed := state.New()
	seed.SyncTokens[changed] = "token-1"
	seed.SyncTokens[quiet] = "qt-1"
	seed.ContactUIDs["acct:u1"] = "u1"
	seed.ContactURIs["acct:u1"] = changed + "one.vcf"
	seed.ContactETags["acct:u1"] = `"e1-old"`
	seed.ContactIDs["acct:u1"] = "local-1"
	seed.ContactUIDs["acct:u2"] = "u2"
	seed.ContactURIs["acct:u2"] = changed + "two.vcf"
	seed.ContactETags["acct:u2"] = `"e2"`
	seed.ContactIDs["acct:u2"] = "local-2"
	seed.AddressBookGUIDs[changed] = []string{"acct:u1", "acct:u2"}

	deltaDoc := `<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>` + changed + `one.vcf</d:href>
  <d:propstat>
   <d:prop><d:getetag>"e1-new"</d:getetag></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>` + changed + `two.vcf</d:href>
  <d:status>HTTP/1.1 404 Not Found</d:status>
 </d:response>
 <d:sync-token>token-3</d:sync-token>
</d:multistatus>`

	tr := &fakeTransport{
		principal: principalDoc,
		homeSet:   homeSetDoc,
		addressBooks: addressBooksDoc(
			[3]string{changed, "", "token-2"},
			[3]string{quiet, "", "qt-1"},
		),
		deltas: map[string]string{changed: deltaDoc},
		multigets: map[string]string{
			changed: contactDataDoc(map[string][2]string{
				changed + "one.vcf": {"u1", `"e1-new"`},
			}),
		},
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{state: seed}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	// The delta was requested with the previous token and only for the
	// changed addressbook.
	require.Equal(t, map[string]string{changed: "token-1"}, tr.deltaTokens)
	require.Empty(t, tr.etagCalls)

	require.Empty(t, st.applied.added)
	require.Len(t, st.applied.modified, 1)
	require.Equal(t, "local-1", st.applied.modified[0].LocalID)
	require.Len(t, st.applied.removed, 1)
	require.Equal(t, "local-2", st.applied.removed[0].LocalID)

	s := ss.state
	require.Equal(t, "token-3", s.SyncTokens[changed])
	require.Equal(t, "qt-1", s.SyncTokens[quiet])
	require.Equal(t, `"e1-new"`, s.ContactETags["acct:u1"])

	// The deleted contact left no trace behind.
	require.NotContains(t, s.ContactUIDs, "acct:u2")
	require.NotContains(t, s.ContactIDs, "acct:u2")
	require.Equal(t, []string{"acct:u1"}, s.AddressBookGUIDs[changed])
}

func TestRunSyncTokenRejectedFallsBack(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	seed.SyncTokens[bookURL] = "token-old"

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "", "token-new"}),
		deltaErrs:    map[string]error{bookURL: errors.New("412 precondition failed")},
		etags: map[string]string{
			bookURL: etagsDoc(map[string]string{bookURL + "one.vcf": `"e1"`}),
		},
		multigets: map[string]string{
			bookURL: contactDataDoc(map[string][2]string{
				bookURL + "one.vcf": {"u1", `"e1"`},
			}),
		},
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{state: seed}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	// The rejected token degraded this one addressbook to a full
	// enumeration instead of failing the session.
	require.Equal(t, []string{bookURL}, tr.etagCalls)
	require.Len(t, st.applied.added, 1)
	require.Equal(t, "token-new", ss.state.SyncTokens[bookURL])
}

func TestRunSkipsDiscoveryWhenPrincipalAnswersWithAddressBooks(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	tr := &fakeTransport{
		principal: addressBooksDoc(
			[3]string{bookURL, "ctag-1", ""},
			[3]string{"/carddav/alice/work/", "ctag-2", ""},
		),
		etags: map[string]string{
			bookURL:                etagsDoc(nil),
			"/carddav/alice/work/": etagsDoc(nil),
		},
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	require.False(t, tr.homeSetCalled)
	require.False(t, tr.booksCalled)
	require.Equal(t, "ctag-1", ss.state.CTags[bookURL])
}

func TestRunUpsyncLocalAddition(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", ""}),
		etags:        map[string]string{bookURL: etagsDoc(nil)},
		putETag:      `"fresh-etag"`,
	}
	card, _, err := DecodeContact(sampleVCard)
	require.NoError(t, err)
	st := &fakeStorage{
		localAdded: []Contact{{LocalID: "local-9", Card: card}},
	}
	ss := &fakeStateStore{}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	require.Len(t, tr.puts, 1)
	put := tr.puts[0]
	require.Empty(t, put.etag, "a new contact carries no etag precondition")
	require.True(t, strings.HasPrefix(put.uri, bookURL))
	require.True(t, strings.HasSuffix(put.uri, ".vcf"))
	require.Contains(t, put.data, "FN:Alice Example")

	s := ss.state
	uid := strings.TrimSuffix(strings.TrimPrefix(put.uri, bookURL), ".vcf")
	guid := "acct:" + uid
	require.Contains(t, put.data, "UID:"+uid)
	require.Equal(t, uid, s.ContactUIDs[guid])
	require.Equal(t, put.uri, s.ContactURIs[guid])
	require.Equal(t, "local-9", s.ContactIDs[guid])
	require.Equal(t, `"fresh-etag"`, s.ContactETags[guid])
	require.Equal(t, []string{guid}, s.AddressBookGUIDs[bookURL])
}

func TestRunUpsyncModificationAndDeletion(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	seed.CTags[bookURL] = "ctag-1"
	seed.ContactUIDs["acct:u1"] = "u1"
	seed.ContactURIs["acct:u1"] = bookURL + "one.vcf"
	seed.ContactETags["acct:u1"] = `"e1"`
	seed.ContactIDs["acct:u1"] = "local-1"
	seed.ContactUIDs["acct:u2"] = "u2"
	seed.ContactURIs["acct:u2"] = bookURL + "two.vcf"
	seed.ContactETags["acct:u2"] = `"e2"`
	seed.ContactIDs["acct:u2"] = "local-2"
	seed.AddressBookGUIDs[bookURL] = []string{"acct:u1", "acct:u2"}

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", ""}),
		putETag:      `"e1-next"`,
	}
	card, _, err := DecodeContact(sampleVCard)
	require.NoError(t, err)
	st := &fakeStorage{
		// The storage collaborator reports local ids only; GUIDs are
		// resolved from the mapping tables.
		localModified: []Contact{{LocalID: "local-1", Card: card}},
		localDeleted:  []Contact{{LocalID: "local-2"}},
	}
	ss := &fakeStateStore{state: seed}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))

	require.Len(t, tr.puts, 1)
	require.Equal(t, bookURL+"one.vcf", tr.puts[0].uri)
	require.Equal(t, `"e1"`, tr.puts[0].etag)
	require.Contains(t, tr.puts[0].data, "UID:u1")

	require.Len(t, tr.deletes, 1)
	require.Equal(t, bookURL+"two.vcf", tr.deletes[0].uri)
	require.Equal(t, `"e2"`, tr.deletes[0].etag)

	s := ss.state
	require.Equal(t, `"e1-next"`, s.ContactETags["acct:u1"])
	require.NotContains(t, s.ContactUIDs, "acct:u2")
	require.Equal(t, []string{"acct:u1"}, s.AddressBookGUIDs[bookURL])
}

func TestRunDroppedModificationKeepsOldETag(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	// The contact is known by uri and uid but its local id mapping is
	// missing, so the fold cannot hand the modification to storage.
	seed.CTags[bookURL] = "ctag-1"
	seed.ContactUIDs["acct:u1"] = "u1"
	seed.ContactURIs["acct:u1"] = bookURL + "one.vcf"
	seed.ContactETags["acct:u1"] = `"e1-old"`

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-2", ""}),
		etags: map[string]string{
			bookURL: etagsDoc(map[string]string{bookURL + "one.vcf": `"e1-new"`}),
		},
		multigets: map[string]string{
			bookURL: contactDataDoc(map[string][2]string{
				bookURL + "one.vcf": {"u1", `"e1-new"`},
			}),
		},
	}
	st := &fakeStorage{}
	ss := &fakeStateStore{state: seed}

	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))
	require.Empty(t, st.applied.modified)

	// The cached etag must stay put: recording the new one would make the
	// unchanged-etag rule suppress this change on every later enumeration.
	require.Equal(t, `"e1-old"`, ss.state.ContactETags["acct:u1"])
}

func TestRunUpsyncDeletionAlreadyGone(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	seed.CTags[bookURL] = "ctag-1"
	seed.ContactUIDs["acct:u1"] = "u1"
	seed.ContactURIs["acct:u1"] = bookURL + "one.vcf"
	seed.ContactETags["acct:u1"] = `"e1"`
	seed.ContactIDs["acct:u1"] = "local-1"
	seed.AddressBookGUIDs[bookURL] = []string{"acct:u1"}

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", ""}),
		deleteErr:    &internal.HTTPError{Code: http.StatusNotFound},
	}
	st := &fakeStorage{
		localDeleted: []Contact{{LocalID: "local-1"}},
	}
	ss := &fakeStateStore{state: seed}

	// The resource vanished server-side first; the session still succeeds
	// and the mapping state is cleaned up.
	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))
	require.Len(t, tr.deletes, 1)
	require.NotContains(t, ss.state.ContactUIDs, "acct:u1")
	require.Empty(t, ss.state.AddressBookGUIDs[bookURL])
}

func TestRunUpsyncSkipsUnmappedLocalChanges(t *testing.T) {
	bookURL := "/carddav/alice/contacts/"
	seed := state.New()
	seed.CTags[bookURL] = "ctag-1"

	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc([3]string{bookURL, "ctag-1", ""}),
	}
	card, _, err := DecodeContact(sampleVCard)
	require.NoError(t, err)
	st := &fakeStorage{
		localModified: []Contact{{LocalID: "never-seen", Card: card}},
		localDeleted:  []Contact{{LocalID: "also-never-seen"}},
	}
	ss := &fakeStateStore{state: seed}

	// Local ids with no GUID mapping are a mapping inconsistency: skipped,
	// not fatal, and nothing reaches the server.
	require.NoError(t, newTestSyncer(tr, st, ss).Run(context.Background()))
	require.Empty(t, tr.puts)
	require.Empty(t, tr.deletes)
	require.True(t, ss.saved)
}

func TestRunNoAddressBooks(t *testing.T) {
	tr := &fakeTransport{
		principal:    principalDoc,
		homeSet:      homeSetDoc,
		addressBooks: addressBooksDoc(),
	}
	err := newTestSyncer(tr, &fakeStorage{}, &fakeStateStore{}).Run(context.Background())
	require.Error(t, err)
}
