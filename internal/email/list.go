package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// ListMessages returns recent messages from the specified folder.
// Messages are returned newest-first. When opts.Unseen is true, only
// messages without the \Seen flag are returned.
//
// When opts.SinceUID is set, only messages with UIDs strictly greater
// than that value are returned (ignoring Limit). This enables
// efficient polling without missing messages between cycles.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	criteria := &imap.SearchCriteria{}
	if opts.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if opts.SinceUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(opts.SinceUID + 1), Stop: 0}},
		}
	}

	limit := opts.Limit
	if opts.SinceUID > 0 {
		limit = -1
	}
	return c.envelopes(ctx, opts.Folder, criteria, limit)
}

// SearchMessages searches for messages matching the given criteria in
// the specified folder. Results are returned newest-first, limited to
// opts.Limit messages.
func (c *Client) SearchMessages(ctx context.Context, opts SearchOptions) ([]Envelope, error) {
	return c.envelopes(ctx, opts.Folder, searchCriteria(&opts), opts.Limit)
}

// envelopes runs a UID search and fetches envelopes for the newest
// limit matches. A zero limit means 20; a negative one means all.
func (c *Client) envelopes(ctx context.Context, folder string, criteria *imap.SearchCriteria, limit int) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if limit == 0 {
		limit = 20
	}

	if _, err := c.examineFolder(folder); err != nil {
		return nil, err
	}

	uids, err := c.searchUIDs(folder, criteria)
	if err != nil {
		return nil, err
	}
	uids = newest(uids, limit)
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	return c.fetchEnvelopes(uidSet)
}

// searchCriteria translates SearchOptions into IMAP criteria. Nil
// options match every message.
func searchCriteria(opts *SearchOptions) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if opts == nil {
		return criteria
	}
	if opts.Query != "" {
		criteria.Text = append(criteria.Text, opts.Query)
	}
	if opts.From != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key:   "From",
			Value: opts.From,
		})
	}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	if !opts.Before.IsZero() {
		criteria.Before = opts.Before
	}
	if opts.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	return criteria
}

// searchUIDs runs a UID SEARCH in the selected folder. Caller must hold
// c.mu.
func (c *Client) searchUIDs(folder string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w %s: %w: %w", ErrSearch, folder, ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w %s: %w", ErrSearch, folder, err)
	}
	return data.AllUIDs(), nil
}

// newest keeps the last n UIDs of an ascending result (highest UIDs are
// newest). A non-positive n keeps them all.
func newest(uids []imap.UID, n int) []imap.UID {
	if n <= 0 || len(uids) <= n {
		return uids
	}
	return uids[len(uids)-n:]
}

// fetchEnvelopes fetches envelope data for the given UIDs and returns
// them newest-first. Caller must hold c.mu and have a selected folder.
func (c *Client) fetchEnvelopes(uidSet imap.UIDSet) ([]Envelope, error) {
	fetchOpts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := c.parseMessageData(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: envelopes: %w", ErrFetch, err)
	}

	// Sort newest-first by UID (descending).
	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}

	return envelopes, nil
}

// parseMessageData extracts an Envelope from IMAP fetch response items.
func (c *Client) parseMessageData(msg *imapclient.FetchMessageData) (Envelope, error) {
	var env Envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			env.Flags = flagStrings(data.Flags)
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject

				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					env.To = append(env.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			drainLiteral(data.Literal)
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}

	return env, nil
}

// formatAddress formats an IMAP address as "Name <user@host>" or
// just "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
