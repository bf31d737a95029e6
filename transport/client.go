// Package transport implements the CardDAV wire protocol over net/http: the
// PROPFIND and REPORT request shapes of discovery and delta determination,
// and the PUT/DELETE resource operations with their etag preconditions.
package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/davsync/carddav/internal"
)

// Client speaks CardDAV to a single server endpoint. It implements
// carddav.Transport.
type Client struct {
	ic  *internal.Client
	log zerolog.Logger
}

type Options struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient internal.HTTPClient
	Username   string
	Password   string
	Log        *zerolog.Logger
}

func NewClient(endpoint string, opts Options) (*Client, error) {
	ic, err := internal.NewClient(opts.HTTPClient, endpoint)
	if err != nil {
		return nil, err
	}
	if opts.Username != "" || opts.Password != "" {
		ic.SetBasicAuth(opts.Username, opts.Password)
	}
	log := zerolog.Nop()
	if opts.Log != nil {
		log = *opts.Log
	}
	return &Client{ic: ic, log: log}, nil
}

func (c *Client) CurrentUserPrincipal(ctx context.Context) ([]byte, error) {
	c.log.Debug().Msg("requesting current user principal")
	return c.ic.Propfind(ctx, "", internal.DepthZero, &principalPropfind{})
}

func (c *Client) AddressBookHomeSet(ctx context.Context, principalPath string) ([]byte, error) {
	c.log.Debug().Str("principal", principalPath).Msg("requesting addressbook home set")
	return c.ic.Propfind(ctx, principalPath, internal.DepthZero, &homeSetPropfind{})
}

func (c *Client) AddressBooks(ctx context.Context, homeSetPath string) ([]byte, error) {
	c.log.Debug().Str("home", homeSetPath).Msg("requesting addressbook list")
	return c.ic.Propfind(ctx, homeSetPath, internal.DepthOne, &addressBookPropfind{})
}

func (c *Client) SyncTokenDelta(ctx context.Context, addressBookURL, syncToken string) ([]byte, error) {
	c.log.Debug().Str("url", addressBookURL).Msg("requesting sync token delta")
	report := &syncCollectionReport{SyncToken: syncToken, SyncLevel: "1"}
	return c.ic.Report(ctx, addressBookURL, internal.DepthZero, report)
}

func (c *Client) ContactETags(ctx context.Context, addressBookURL string) ([]byte, error) {
	c.log.Debug().Str("url", addressBookURL).Msg("requesting contact etags")
	return c.ic.Propfind(ctx, addressBookURL, internal.DepthOne, &etagsPropfind{})
}

func (c *Client) ContactMultiget(ctx context.Context, addressBookURL string, uris []string) ([]byte, error) {
	c.log.Debug().Str("url", addressBookURL).Int("count", len(uris)).
		Msg("requesting contact data")
	report := &multigetReport{Hrefs: uris}
	return c.ic.Report(ctx, addressBookURL, internal.DepthOne, report)
}

func (c *Client) PutContact(ctx context.Context, uri, etag, vcardData string) (string, error) {
	req, err := c.ic.NewRequest(ctx, http.MethodPut, uri, strings.NewReader(vcardData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/vcard; charset=utf-8")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	} else {
		// A new resource: refuse to overwrite whatever might already live
		// at this uri.
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.ic.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Header.Get("ETag"), nil
}

func (c *Client) DeleteContact(ctx context.Context, uri, etag string) error {
	req, err := c.ic.NewRequest(ctx, http.MethodDelete, uri, nil)
	if err != nil {
		return err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.ic.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
