package server

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zverik/RevertUI/internal/api"
)

// osmProxy reads public changeset metadata from the OSM API. All calls
// are unauthenticated; credentials are only needed for the revert itself.
type osmProxy struct {
	endpoint string
	http     *http.Client
}

func newOSMProxy(endpoint string) *osmProxy {
	return &osmProxy{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type changesetMeta struct {
	ID        string `xml:"id,attr"`
	User      string `xml:"user,attr"`
	CreatedAt string `xml:"created_at,attr"`
	Tags      []struct {
		K string `xml:"k,attr"`
		V string `xml:"v,attr"`
	} `xml:"tag"`
}

type changesetsDoc struct {
	Changesets []changesetMeta `xml:"changeset"`
}

func (m changesetMeta) info() api.ChangesetInfo {
	created, _ := time.Parse(time.RFC3339, m.CreatedAt)
	info := api.ChangesetInfo{
		ID:      m.ID,
		User:    m.User,
		Created: created,
		Tags:    make(map[string]string, len(m.Tags)),
	}
	for _, t := range m.Tags {
		info.Tags[t.K] = t.V
	}
	return info
}

func (p *osmProxy) query(ctx context.Context, params url.Values) ([]changesetMeta, error) {
	u := p.endpoint + "/api/0.6/changesets?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query changesets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query changesets: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("query changesets: %w", err)
	}
	var doc changesetsDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse changesets: %w", err)
	}
	return doc.Changesets, nil
}

// Changesets fetches metadata for the given IDs, returned in the order
// they were asked for. The OSM API sorts its response by creation date.
func (p *osmProxy) Changesets(ctx context.Context, ids []string) ([]api.ChangesetInfo, error) {
	metas, err := p.query(ctx, url.Values{"changesets": {strings.Join(ids, ",")}})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]changesetMeta, len(metas))
	for _, m := range metas {
		byID[m.ID] = m
	}
	out := make([]api.ChangesetInfo, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m.info())
		}
	}
	return out, nil
}

// ByUser fetches the recent closed changesets of a user.
func (p *osmProxy) ByUser(ctx context.Context, user string) ([]api.ChangesetInfo, error) {
	metas, err := p.query(ctx, url.Values{"display_name": {user}, "closed": {"true"}})
	if err != nil {
		return nil, err
	}
	out := make([]api.ChangesetInfo, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.info())
	}
	return out, nil
}

type userDetails struct {
	User struct {
		DisplayName string `xml:"display_name,attr"`
	} `xml:"user"`
}

// UserDetails fetches the display name of the authenticated user.
func (p *osmProxy) UserDetails(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/0.6/user/details", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch user details: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch user details: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("fetch user details: %w", err)
	}
	var doc userDetails
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse user details: %w", err)
	}
	if doc.User.DisplayName == "" {
		return "", fmt.Errorf("user details response has no display name")
	}
	return doc.User.DisplayName, nil
}
