package transport

import "encoding/xml"

type principalPropfind struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    struct {
		CurrentUserPrincipal struct{} `xml:"DAV: current-user-principal"`
	} `xml:"DAV: prop"`
}

type homeSetPropfind struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    struct {
		AddressBookHomeSet struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set"`
	} `xml:"DAV: prop"`
}

// addressBookPropfind asks for both the ctag and the sync-token of each
// collection; which of the two drives delta determination is decided from
// the response.
type addressBookPropfind struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    struct {
		ResourceType struct{} `xml:"DAV: resourcetype"`
		DisplayName  struct{} `xml:"DAV: displayname"`
		CTag         struct{} `xml:"http://calendarserver.org/ns/ getctag"`
		SyncToken    struct{} `xml:"DAV: sync-token"`
	} `xml:"DAV: prop"`
}

type etagsPropfind struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    struct {
		GetETag struct{} `xml:"DAV: getetag"`
	} `xml:"DAV: prop"`
}

type syncCollectionReport struct {
	XMLName   xml.Name `xml:"DAV: sync-collection"`
	SyncToken string   `xml:"DAV: sync-token"`
	SyncLevel string   `xml:"DAV: sync-level"`
	Prop      struct {
		GetETag struct{} `xml:"DAV: getetag"`
	} `xml:"DAV: prop"`
}

type multigetReport struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	Prop    struct {
		GetETag     struct{} `xml:"DAV: getetag"`
		AddressData struct{} `xml:"urn:ietf:params:xml:ns:carddav address-data"`
	} `xml:"DAV: prop"`
	Hrefs []string `xml:"DAV: href"`
}
