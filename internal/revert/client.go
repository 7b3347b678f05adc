package revert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	maxResponseBytes   = 64 << 20
)

// Client implements Engine against the OSM API. The endpoints it uses
// (changeset metadata, changeset download, element history) are public,
// so no credentials are involved in this phase.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates an engine for the given API endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ Engine = (*Client)(nil)

// Download fetches each changeset's metadata and diff, newest-first,
// and merges the per-primitive effects into one diff list.
func (c *Client) Download(ctx context.Context, ids []string, progress ProgressFunc) ([]Diff, map[string]string, error) {
	ordered := make([]string, len(ids))
	copy(ordered, ids)
	// Undo later changesets before earlier ones.
	sort.Sort(sort.Reverse(changesetOrder(ordered)))

	authors := make(map[string]string, len(ids))
	merged := make(map[string]*Diff)

	for _, id := range ordered {
		progress.emit(Progress{Kind: ProgressDownload, ChangesetID: id})

		user, err := c.changesetAuthor(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		authors[id] = user

		created, modified, deleted, err := c.changesetDiff(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		for _, el := range created {
			mergeDiff(merged, el, true)
		}
		for _, el := range modified {
			mergeDiff(merged, el, false)
		}
		for _, el := range deleted {
			mergeDiff(merged, el, false)
		}

		progress.emit(Progress{Kind: ProgressFlush})
	}

	diffs := make([]Diff, 0, len(merged))
	for _, d := range merged {
		diffs = append(diffs, *d)
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Kind != diffs[j].Kind {
			return diffs[i].Kind < diffs[j].Kind
		}
		return diffs[i].ID < diffs[j].ID
	})

	return diffs, authors, nil
}

// Revert walks each diff's history and computes the inverse operation.
func (c *Client) Revert(ctx context.Context, diffs []Diff, progress ProgressFunc) (ChangeSet, error) {
	var changes ChangeSet

	for _, diff := range diffs {
		progress.emit(Progress{Kind: ProgressRevert})

		history, err := c.elementHistory(ctx, diff.Kind, diff.ID)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			return nil, Errorf("no history for %s %d", diff.Kind, diff.ID)
		}

		current := history[len(history)-1]
		if current.Version != diff.LastVersion {
			return nil, Errorf("cannot revert %s %d: edited after the reverted changeset (version %d, expected %d)",
				diff.Kind, diff.ID, current.Version, diff.LastVersion)
		}

		if diff.Created {
			if !current.Visible {
				// Already deleted by someone else.
				continue
			}
			changes = append(changes, Op{Action: ActionDelete, Element: current})
			continue
		}

		previous, ok := versionOf(history, diff.FirstVersion-1)
		if !ok {
			return nil, Errorf("missing version %d of %s %d", diff.FirstVersion-1, diff.Kind, diff.ID)
		}

		switch {
		case !previous.Visible && !current.Visible:
			// Was deleted before and is deleted now.
			continue
		case !previous.Visible && current.Visible:
			changes = append(changes, Op{Action: ActionDelete, Element: current})
		default:
			restored := previous
			restored.Version = current.Version
			changes = append(changes, Op{Action: ActionModify, Element: restored})
		}
	}

	return changes, nil
}

func mergeDiff(merged map[string]*Diff, el Element, created bool) {
	key := el.Kind + "/" + strconv.FormatInt(el.ID, 10)
	d, ok := merged[key]
	if !ok {
		merged[key] = &Diff{
			Kind:         el.Kind,
			ID:           el.ID,
			FirstVersion: el.Version,
			LastVersion:  el.Version,
			Created:      created,
		}
		return
	}
	if el.Version < d.FirstVersion {
		d.FirstVersion = el.Version
		d.Created = created
	}
	if el.Version > d.LastVersion {
		d.LastVersion = el.Version
	}
}

func versionOf(history []Element, version int64) (Element, bool) {
	for _, el := range history {
		if el.Version == version {
			return el, true
		}
	}
	return Element{}, false
}

func (c *Client) changesetAuthor(ctx context.Context, id string) (string, error) {
	data, err := c.get(ctx, "/api/0.6/changeset/"+id)
	if err != nil {
		return "", err
	}
	user, err := parseChangesetUser(data)
	if err != nil {
		return "", Errorf("changeset %s: %v", id, err)
	}
	return user, nil
}

func (c *Client) changesetDiff(ctx context.Context, id string) (created, modified, deleted []Element, err error) {
	data, err := c.get(ctx, "/api/0.6/changeset/"+id+"/download")
	if err != nil {
		return nil, nil, nil, err
	}
	created, modified, deleted, parseErr := parseOsmChange(data)
	if parseErr != nil {
		return nil, nil, nil, Errorf("changeset %s: %v", id, parseErr)
	}
	return created, modified, deleted, nil
}

func (c *Client) elementHistory(ctx context.Context, kind string, id int64) ([]Element, error) {
	data, err := c.get(ctx, fmt.Sprintf("/api/0.6/%s/%d/history", kind, id))
	if err != nil {
		return nil, err
	}
	history, parseErr := parseOsm(data)
	if parseErr != nil {
		return nil, Errorf("%s %d: %v", kind, id, parseErr)
	}
	return history, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Errorf("OSM API is unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, Errorf("OSM API returned %d for %s", resp.StatusCode, path)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// changesetOrder sorts changeset IDs numerically; non-numeric values
// keep their relative textual order.
type changesetOrder []string

func (o changesetOrder) Len() int      { return len(o) }
func (o changesetOrder) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o changesetOrder) Less(i, j int) bool {
	a, errA := strconv.ParseInt(o[i], 10, 64)
	b, errB := strconv.ParseInt(o[j], 10, 64)
	if errA != nil || errB != nil {
		return o[i] < o[j]
	}
	return a < b
}
