package email

import (
	"context"
	"fmt"
	"slices"

	"github.com/emersion/go-imap/v2"
)

const defaultListLimit = 20

// ListMessages returns envelopes from a folder, newest first. Unseen
// restricts the search to messages without \Seen; SinceUID restricts
// it to UIDs above the watermark and returns everything that matches,
// so a poller catches a burst of arrivals in one pass.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uids, err := c.searchUIDs(folder, opts)
	if err != nil {
		return nil, err
	}
	if opts.SinceUID == 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		uids = tail(uids, limit)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	var set imap.UIDSet
	set.AddNum(uids...)
	return c.fetchEnvelopes(set)
}

// searchUIDs runs the UID SEARCH that ListOptions implies. Caller
// holds c.mu with a folder selected.
func (c *Client) searchUIDs(folder string, opts ListOptions) ([]imap.UID, error) {
	var criteria imap.SearchCriteria
	if opts.Unseen {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if opts.SinceUID > 0 {
		var above imap.UIDSet
		above.AddRange(imap.UID(opts.SinceUID+1), 0)
		criteria.UID = []imap.UIDSet{above}
	}

	data, err := c.client.UIDSearch(&criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	return data.AllUIDs(), nil
}

// fetchEnvelopes retrieves envelope rows for a UID set. Caller holds
// c.mu with a folder selected.
func (c *Client) fetchEnvelopes(set imap.UIDSet) ([]Envelope, error) {
	cmd := c.client.Fetch(set, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	})

	var out []Envelope
	for row := cmd.Next(); row != nil; row = cmd.Next() {
		rec := c.decodeFetch(row, false)
		if rec.env.UID == 0 {
			c.logger.Debug("fetch row without UID, skipped")
			continue
		}
		out = append(out, rec.env)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// SEARCH results come back ascending by UID.
	slices.Reverse(out)
	return out, nil
}

// tail keeps the last n UIDs of an ascending search result, the
// newest messages.
func tail(uids []imap.UID, n int) []imap.UID {
	if len(uids) <= n {
		return uids
	}
	return uids[len(uids)-n:]
}

// formatAddress renders an IMAP address as "Name <addr>", or just the
// address when no display name is set.
func formatAddress(addr imap.Address) string {
	if addr.Name == "" {
		return addr.Addr()
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
}
