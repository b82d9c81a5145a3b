package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// systemFlags maps bare system flag names to their IMAP form.
var systemFlags = map[string]imap.Flag{
	"seen":     imap.FlagSeen,
	"answered": imap.FlagAnswered,
	"flagged":  imap.FlagFlagged,
	"deleted":  imap.FlagDeleted,
	"draft":    imap.FlagDraft,
}

// NormalizeFlag returns the IMAP form of a flag name. System flags are
// matched case-insensitively with or without the leading backslash;
// anything else is passed through as a keyword. Empty names return "".
func NormalizeFlag(name string) imap.Flag {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if f, ok := systemFlags[strings.ToLower(strings.TrimPrefix(name, `\`))]; ok {
		return f
	}
	return imap.Flag(name)
}

// SetFlags adds or removes flags on the specified messages. An empty
// flag list is a no-op.
func (c *Client) SetFlags(ctx context.Context, action FlagAction) error {
	if len(action.UIDs) == 0 {
		return fmt.Errorf("no UIDs specified")
	}

	flags := make([]imap.Flag, 0, len(action.Flags))
	for _, name := range action.Flags {
		if f := NormalizeFlag(name); f != "" {
			flags = append(flags, f)
		}
	}
	if len(flags) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	folder := action.Folder
	if folder == "" {
		folder = "INBOX"
	}

	if _, err := c.selectFolder(folder); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range action.UIDs {
		uidSet.AddNum(imap.UID(uid))
	}

	op := imap.StoreFlagsAdd
	if !action.Add {
		op = imap.StoreFlagsDel
	}

	storeCmd := c.client.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		if IsTimeout(err) {
			return fmt.Errorf("%w in %s: %w: %w", ErrFlags, folder, ErrTimeout, err)
		}
		return fmt.Errorf("%w in %s: %w", ErrFlags, folder, err)
	}

	c.logger.Debug("flags updated", "folder", folder, "uids", len(action.UIDs), "flags", flags, "add", action.Add)
	return nil
}
