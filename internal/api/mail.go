package api

import (
	"context"

	"github.com/nugget/mailroom/internal/email"
)

// Mailbox is the per-account mail access the handlers need.
// [email.Client] implements it.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]email.Folder, error)
	FolderTree(ctx context.Context) ([]*email.FolderNode, error)
	FetchFolder(ctx context.Context, opts email.FetchOptions) ([]email.FetchedMessage, error)
	ReadMessage(ctx context.Context, folder string, uid uint32) (*email.FetchedMessage, error)
	SearchMessages(ctx context.Context, opts email.SearchOptions) ([]email.Envelope, error)
	MoveMessages(ctx context.Context, opts email.MoveOptions) error
	SetFlags(ctx context.Context, action email.FlagAction) error
}

// Mail is the multi-account view the server is built on.
type Mail interface {
	AccountNames() []string
	Primary() string
	Mailbox(account string) (Mailbox, error)
	Send(ctx context.Context, opts email.SendOptions) error
}

// FromManager exposes an [email.Manager] as [Mail].
func FromManager(m *email.Manager) Mail {
	return managerMail{m}
}

type managerMail struct {
	*email.Manager
}

func (m managerMail) Mailbox(account string) (Mailbox, error) {
	c, err := m.Account(account)
	if err != nil {
		return nil, err
	}
	return c, nil
}
