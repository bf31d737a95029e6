// Package reply interprets CardDAV multi-status responses into typed results.
//
// Real-world servers disagree on how these documents are shaped (sibling
// counts, propstat groupings, namespace prefixes), so the interpreter works
// over a generic element tree rather than rigid typed decoding, and all the
// dialect tolerance lives here.
package reply

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/rs/zerolog"

	"github.com/davsync/carddav/internal"
	"github.com/davsync/carddav/state"
)

// ResponseType disambiguates what a principal discovery request actually
// returned: some servers skip principal discovery and answer with addressbook
// information directly.
type ResponseType int

const (
	UserPrincipalResponse ResponseType = iota
	AddressBookInformationResponse
)

// Kind is the inferred modification type of one changed resource. It is
// never transmitted by the server: success status with an unknown GUID is an
// addition, success with a known GUID a modification, and not-found status a
// deletion.
type Kind int

const (
	Addition Kind = iota
	Modification
	Deletion
)

func (k Kind) String() string {
	switch k {
	case Addition:
		return "addition"
	case Modification:
		return "modification"
	case Deletion:
		return "deletion"
	}
	return "unknown"
}

// AddressBookInfo describes one remote collection. Either capability token
// may be absent; a collection with neither cannot be change-tracked.
type AddressBookInfo struct {
	URL         string
	DisplayName string
	CTag        string
	SyncToken   string
}

// ContactInfo is one row of a change delta.
type ContactInfo struct {
	URI  string
	ETag string
	GUID string
	Kind Kind
}

// FullContactInfo is the materialized result of decoding one fetched
// resource.
type FullContactInfo struct {
	GUID                  string
	Card                  vcard.Card
	UnsupportedProperties []string
	ETag                  string
}

// DecodeFunc materializes a vCard payload into a structured card plus the
// raw unsupported property strings.
type DecodeFunc func(data string) (vcard.Card, []string, error)

// Parser extracts typed results from multi-status documents, resolving
// resource identities against the session's reconciliation state.
type Parser struct {
	State     *state.State
	AccountID string
	Decode    DecodeFunc
	Log       zerolog.Logger

	// RelaxedContactURIs also accepts delta rows without a ".vcf" URI suffix
	// when they carry an etag. Some server dialects omit the suffix; the
	// strict heuristic is the default.
	RelaxedContactURIs bool
}

var http2xx = regexp.MustCompile(`2[0-9][0-9]`)

// isContactURI discards rows that describe the collection itself (for
// example the addressbook's self-referencing status entry) rather than a
// contact resource.
func (p *Parser) isContactURI(uri, etag string) bool {
	if strings.HasSuffix(strings.ToLower(uri), ".vcf") {
		return true
	}
	return p.RelaxedContactURIs && etag != ""
}

func decodeHref(raw string) string {
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

// responseStatus returns the status text of a response row. Rows describing
// available properties carry it inside the propstat group; not-found rows
// carry it directly on the response element.
func responseStatus(resp internal.Node) string {
	if s := resp.Text("propstat", "status"); s != "" {
		return s
	}
	return resp.Text("status")
}

func multistatus(data []byte) (internal.Node, error) {
	tree, err := internal.ParseTree(data)
	if err != nil {
		return nil, fmt.Errorf("reply: malformed multi-status document: %w", err)
	}
	ms := tree.Map("multistatus")
	if ms == nil {
		return nil, fmt.Errorf("reply: no multistatus element in response")
	}
	return ms, nil
}

// ParseUserPrincipal extracts the current-user-principal path from a
// principal discovery response. If the server answered with addressbook
// information instead (multiple response rows, or a collection tag without a
// principal), it signals AddressBookInformationResponse so the caller can
// skip a discovery stage and re-interpret the same document.
func (p *Parser) ParseUserPrincipal(data []byte) (string, ResponseType, error) {
	ms, err := multistatus(data)
	if err != nil {
		return "", UserPrincipalResponse, err
	}

	if ms.IsList("response") {
		// A principal response has exactly one response element.
		return "", AddressBookInformationResponse, nil
	}

	resp := ms.Map("response")
	status := resp.Text("propstat", "status")
	principal := resp.Text("propstat", "prop", "current-user-principal", "href")
	ctag := resp.Text("propstat", "prop", "getctag")

	if !http2xx.MatchString(status) {
		p.Log.Warn().Str("status", status).
			Msg("invalid status response to current user information request")
	} else if principal == "" && ctag != "" {
		return "", AddressBookInformationResponse, nil
	}

	return decodeHref(principal), UserPrincipalResponse, nil
}

// ParseAddressBookHome extracts the addressbook-home-set href.
func (p *Parser) ParseAddressBookHome(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var home, status string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("reply: malformed addressbook home response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "addressbook-home-set":
			for {
				tok, err := dec.Token()
				if err != nil {
					return "", fmt.Errorf("reply: malformed addressbook home response: %w", err)
				}
				if inner, ok := tok.(xml.StartElement); ok {
					if inner.Name.Local == "href" {
						if err := dec.DecodeElement(&home, &inner); err != nil {
							return "", fmt.Errorf("reply: malformed addressbook home response: %w", err)
						}
					}
					break
				}
				if _, ok := tok.(xml.EndElement); ok {
					break
				}
			}
		case "status":
			if err := dec.DecodeElement(&status, &start); err != nil {
				return "", fmt.Errorf("reply: malformed addressbook home response: %w", err)
			}
		}
	}

	if status != "" && !http2xx.MatchString(status) {
		return "", fmt.Errorf("reply: addressbook home request failed: %v", strings.TrimSpace(status))
	}
	if home == "" {
		return "", fmt.Errorf("reply: no addressbook home in response")
	}
	return strings.TrimSpace(home), nil
}

type propertyStatus int

const (
	statusUnknown propertyStatus = iota
	statusOK
	statusNotOK
)

// isAddressBookResourceType reports whether a resourcetype element's child
// names describe an addressbook collection. Despite RFC 6352 section 5.2
// requiring the "addressbook" value, some servers (e.g. Memotoo) report a
// bare collection.
func isAddressBookResourceType(keys []string) bool {
	collectionOnly := len(keys) == 1 && strings.EqualFold(keys[0], "collection")
	for _, k := range keys {
		if strings.EqualFold(k, "addressbook") {
			return true
		}
	}
	return collectionOnly
}

// ParseAddressBookInformation extracts the addressbook collections from an
// enumeration response. Each response row may carry multiple propstat groups
// (observed from servers such as Cozy, where each group's status applies only
// to the properties inside it); a collection is accepted when its
// resourcetype group explicitly describes an addressbook with 2xx status, or
// by inference when the single propstat group carries no resourcetype
// assertion but has 2xx status.
func (p *Parser) ParseAddressBookInformation(data []byte) ([]AddressBookInfo, error) {
	ms, err := multistatus(data)
	if err != nil {
		return nil, err
	}

	var infos []AddressBookInfo
	for _, resp := range ms.List("response") {
		info := AddressBookInfo{URL: decodeHref(resp.Text("href"))}

		addressBookSpecified := statusUnknown
		resourceTypeStatus := statusUnknown
		otherPropertyStatus := statusUnknown

		propstats := resp.List("propstat")
		for _, propstat := range propstats {
			prop := propstat.Map("prop")
			if prop.Has("getctag") {
				info.CTag = prop.Text("getctag")
			}
			if prop.Has("sync-token") {
				info.SyncToken = prop.Text("sync-token")
			}
			if prop.Has("displayname") {
				info.DisplayName = prop.Text("displayname")
			}

			forResourceType := false
			if prop.Has("resourcetype") {
				forResourceType = true
				if isAddressBookResourceType(prop.Map("resourcetype").Keys()) {
					addressBookSpecified = statusOK
				} else {
					addressBookSpecified = statusNotOK
					p.Log.Debug().Str("url", info.URL).Msg("have non-addressbook resource")
				}
			}

			if propstat.Has("status") {
				ok := http2xx.MatchString(propstat.Text("status"))
				if forResourceType {
					if ok {
						resourceTypeStatus = statusOK
					} else {
						resourceTypeStatus = statusNotOK
					}
				} else {
					// This status applies to incidental properties only; for
					// some servers it must be inferred to cover the whole
					// response.
					if ok {
						otherPropertyStatus = statusOK
					} else {
						otherPropertyStatus = statusNotOK
					}
				}
			}
		}

		switch {
		case addressBookSpecified == statusOK && resourceTypeStatus == statusOK:
			// Explicit addressbook resource type with 2xx status.
		case len(propstats) == 1 && addressBookSpecified == statusUnknown && otherPropertyStatus == statusOK:
			// Implicit addressbook collection response.
			p.Log.Debug().Str("url", info.URL).Msg("have probable addressbook resource")
		default:
			p.Log.Debug().Str("url", info.URL).Msg("ignoring resource due to type or status")
			continue
		}

		if info.CTag == "" && info.SyncToken == "" {
			p.Log.Warn().Str("url", info.URL).
				Msg("addressbook has no sync-token or ctag, cannot track changes")
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// ParseSyncTokenDelta extracts the change rows and the new sync-token from an
// incremental sync-collection report. A response without a sync-token is
// malformed: without it the next session cannot resume, so the whole delta is
// rejected.
func (p *Parser) ParseSyncTokenDelta(data []byte) ([]ContactInfo, string, error) {
	ms, err := multistatus(data)
	if err != nil {
		return nil, "", err
	}

	newSyncToken := ms.Text("sync-token")
	if newSyncToken == "" {
		return nil, "", fmt.Errorf("reply: no sync-token in delta response")
	}

	var infos []ContactInfo
	for _, resp := range ms.List("response") {
		info := ContactInfo{
			URI:  decodeHref(resp.Text("href")),
			ETag: resp.Text("propstat", "prop", "getetag"),
		}
		info.GUID = p.State.GUIDForURI(info.URI)

		status := responseStatus(resp)
		switch {
		case http2xx.MatchString(status):
			if !p.isContactURI(info.URI, info.ETag) {
				// Probably the addressbook resource itself.
				p.Log.Debug().Str("uri", info.URI).Msg("ignoring non-contact resource")
				continue
			}
			if info.GUID == "" {
				info.Kind = Addition
			} else {
				info.Kind = Modification
			}
		case strings.Contains(status, "404"):
			info.Kind = Deletion
		default:
			p.Log.Warn().Str("uri", info.URI).Str("status", status).
				Msg("unknown response in sync token delta")
			continue
		}
		infos = append(infos, info)
	}

	return infos, newSyncToken, nil
}

// ParseContactMetadata computes the change rows from a full etag enumeration
// of an addressbook. Additions and modifications are detected from the
// enumerated etags; deletions are inferred from the addressbook's membership
// list: any member whose URI was not enumerated is gone from the server.
func (p *Parser) ParseContactMetadata(data []byte, addressBookURL string) ([]ContactInfo, error) {
	ms, err := multistatus(data)
	if err != nil {
		return nil, err
	}

	var infos []ContactInfo
	seenURIs := make(map[string]bool)
	for _, resp := range ms.List("response") {
		info := ContactInfo{
			URI:  decodeHref(resp.Text("href")),
			ETag: resp.Text("propstat", "prop", "getetag"),
		}
		status := responseStatus(resp)
		if !p.isContactURI(info.URI, info.ETag) {
			p.Log.Debug().Str("uri", info.URI).Msg("ignoring non-contact resource")
			continue
		}
		info.GUID = p.State.GUIDForURI(info.URI)

		if !http2xx.MatchString(status) {
			p.Log.Warn().Str("uri", info.URI).Str("status", status).
				Msg("unknown response in contact metadata")
			continue
		}

		seenURIs[info.URI] = true
		if info.GUID == "" {
			info.Kind = Addition
			infos = append(infos, info)
		} else if p.State.ContactETags[info.GUID] != info.ETag {
			// The etag changed since we last saw this resource.
			info.Kind = Modification
			infos = append(infos, info)
		}
		// Unchanged etag: no delta row.
	}

	for _, guid := range p.State.AddressBookGUIDs[addressBookURL] {
		uri := p.State.ContactURIs[guid]
		if seenURIs[uri] {
			continue
		}
		// This URI wasn't enumerated, so the contact was deleted on the
		// server.
		infos = append(infos, ContactInfo{
			URI:  uri,
			ETag: p.State.ContactETags[guid],
			GUID: guid,
			Kind: Deletion,
		})
	}

	return infos, nil
}

// ParseContactData materializes the fetched payloads of a multiget response,
// keyed by resource URI. One resource's decode failure skips that resource
// only. GUIDs are resolved against the UID table: an unseen server UID mints
// a new account-scoped GUID and records the pairing.
func (p *Parser) ParseContactData(data []byte) (map[string]FullContactInfo, error) {
	ms, err := multistatus(data)
	if err != nil {
		return nil, err
	}

	uriToContactData := make(map[string]FullContactInfo)
	for _, resp := range ms.List("response") {
		uri := decodeHref(resp.Text("href"))
		etag := resp.Text("propstat", "prop", "getetag")
		payload := resp.Text("propstat", "prop", "address-data")

		card, unsupported, err := p.Decode(payload)
		if err != nil {
			p.Log.Warn().Err(err).Str("uri", uri).
				Msg("skipping undecodable contact resource")
			continue
		}

		uid := card.Value(vcard.FieldUID)
		if uid == "" {
			p.Log.Warn().Str("uri", uri).Msg("contact payload has no UID")
			continue
		}

		guid := p.State.GUIDForUID(uid)
		if guid == "" {
			// A server-side addition: mint the account-scoped GUID and
			// record the pairing.
			guid = p.AccountID + ":" + uid
			p.State.ContactUIDs[guid] = uid
		}

		uriToContactData[uri] = FullContactInfo{
			GUID:                  guid,
			Card:                  card,
			UnsupportedProperties: unsupported,
			ETag:                  etag,
		}
	}

	return uriToContactData, nil
}
