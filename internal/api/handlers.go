package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/email"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// folderResponse is the result of GET /v1/messages. Stale is set when
// the messages come from the local cache because the server did not
// answer in time.
type folderResponse struct {
	Account   string                 `json:"account"`
	Folder    string                 `json:"folder"`
	Messages  []email.FetchedMessage `json:"messages"`
	Stale     bool                   `json:"stale,omitempty"`
	FetchedAt time.Time              `json:"fetched_at"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"accounts": s.mail.AccountNames(),
		"primary":  s.mail.Primary(),
	}, s.logger)
}

// mailbox resolves the ?account= parameter, writing a 404 when the
// account does not exist. The returned name is never empty.
func (s *Server) mailbox(w http.ResponseWriter, r *http.Request) (Mailbox, string, bool) {
	account := r.URL.Query().Get("account")
	mb, err := s.mail.Mailbox(account)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return nil, "", false
	}
	if account == "" {
		account = s.mail.Primary()
	}
	return mb, account, true
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	mb, _, ok := s.mailbox(w, r)
	if !ok {
		return
	}
	folders, err := mb.ListFolders(r.Context())
	if err != nil {
		s.mailError(w, "list folders", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, folders, s.logger)
}

func (s *Server) handleFolderTree(w http.ResponseWriter, r *http.Request) {
	mb, _, ok := s.mailbox(w, r)
	if !ok {
		return
	}
	tree, err := mb.FolderTree(r.Context())
	if err != nil {
		s.mailError(w, "folder tree", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tree, s.logger)
}

func (s *Server) handleFetchFolder(w http.ResponseWriter, r *http.Request) {
	mb, account, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	folder := q.Get("folder")
	if folder == "" {
		folder = "INBOX"
	}
	opts := email.FetchOptions{Folder: folder, Account: account}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	criteria, err := searchFromQuery(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Criteria = criteria

	msgs, err := mb.FetchFolder(r.Context(), opts)
	if err != nil {
		if email.IsTimeout(err) && s.serveCached(w, account, folder, opts) {
			s.logger.Warn("folder fetch timed out, served from cache",
				"email_account", account, "folder", folder, "error", err)
			return
		}
		s.mailError(w, "fetch folder", err)
		return
	}

	// Only unfiltered fetches describe the whole folder.
	if s.cache != nil && opts.Criteria == nil && opts.Limit == 0 {
		if _, err := s.cache.Save(account, folder, msgs); err != nil {
			s.logger.Warn("failed to cache folder", "email_account", account, "folder", folder, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, folderResponse{
		Account:   account,
		Folder:    folder,
		Messages:  msgs,
		FetchedAt: time.Now().UTC(),
	}, s.logger)
}

// serveCached writes the cached copy of a folder if there is one and
// the request asked for the whole folder.
func (s *Server) serveCached(w http.ResponseWriter, account, folder string, opts email.FetchOptions) bool {
	if s.cache == nil || opts.Criteria != nil || opts.Limit != 0 {
		return false
	}
	entry, ok, err := s.cache.Load(account, folder)
	if err != nil {
		s.logger.Warn("failed to load cached folder", "email_account", account, "folder", folder, "error", err)
		return false
	}
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, folderResponse{
		Account:   account,
		Folder:    folder,
		Messages:  entry.Messages,
		Stale:     true,
		FetchedAt: entry.FetchedAt,
	}, s.logger)
	return true
}

// searchFromQuery builds fetch criteria from query, from, since,
// before and unseen parameters. Returns nil when none are set.
func searchFromQuery(r *http.Request) (*email.SearchOptions, error) {
	q := r.URL.Query()
	var so email.SearchOptions
	set := false

	if v := q.Get("query"); v != "" {
		so.Query, set = v, true
	}
	if v := q.Get("from"); v != "" {
		so.From, set = v, true
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &so.Since}, {"before", &so.Before}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a date (YYYY-MM-DD)", p.name)
		}
		*p.dst, set = t, true
	}
	if v := q.Get("unseen"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("unseen must be true or false")
		}
		so.Unseen = b
		set = set || b
	}

	if !set {
		return nil, nil
	}
	return &so, nil
}

func (s *Server) handleReadMessage(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil || uid == 0 {
		s.errorResponse(w, http.StatusBadRequest, "uid must be a positive integer")
		return
	}
	mb, _, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	msg, err := mb.ReadMessage(r.Context(), r.URL.Query().Get("folder"), uint32(uid))
	if err != nil {
		s.mailError(w, "read message", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msg, s.logger)
}

// handleAttachment streams one attachment of a message, decoded, with
// its media type. Attachments are numbered from zero in the order the
// message lists them.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil || uid == 0 {
		s.errorResponse(w, http.StatusBadRequest, "uid must be a positive integer")
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.errorResponse(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	mb, _, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	msg, err := mb.ReadMessage(r.Context(), r.URL.Query().Get("folder"), uint32(uid))
	if err != nil {
		s.mailError(w, "read message", err)
		return
	}
	if msg.Content == nil || index >= len(msg.Content.Attachments) {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("message %d has no attachment %d", uid, index))
		return
	}

	att := &msg.Content.Attachments[index]
	data, err := att.Bytes()
	if err != nil {
		s.logger.Warn("attachment decode failed", "uid", uid, "part", att.PartID, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "Failed to decode the attachment")
		return
	}

	w.Header().Set("Content-Type", att.MediaType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if name := att.Filename(); name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("attachment write failed", "uid", uid, "error", err)
	}
}

// handleSearch returns envelopes only, newest first. It accepts the
// same filters as GET /v1/messages.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	mb, account, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	criteria, err := searchFromQuery(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if criteria == nil {
		s.errorResponse(w, http.StatusBadRequest, "at least one of query, from, since, before or unseen is required")
		return
	}

	q := r.URL.Query()
	criteria.Folder = q.Get("folder")
	if criteria.Folder == "" {
		criteria.Folder = "INBOX"
	}
	criteria.Account = account
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		criteria.Limit = n
	}

	found, err := mb.SearchMessages(r.Context(), *criteria)
	if err != nil {
		s.mailError(w, "search", err)
		return
	}
	if found == nil {
		found = []email.Envelope{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"account":  account,
		"folder":   criteria.Folder,
		"messages": found,
	}, s.logger)
}

// decodeBody reads a JSON request body into v, writing a 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var opts email.MoveOptions
	if !s.decodeBody(w, r, &opts) {
		return
	}
	if len(opts.UIDs) == 0 || strings.TrimSpace(opts.Destination) == "" {
		s.errorResponse(w, http.StatusBadRequest, "uids and destination are required")
		return
	}
	mb, err := s.mail.Mailbox(opts.Account)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err := mb.MoveMessages(r.Context(), opts); err != nil {
		s.mailError(w, "move messages", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "moved": len(opts.UIDs)}, s.logger)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	var action email.FlagAction
	if !s.decodeBody(w, r, &action) {
		return
	}
	if len(action.UIDs) == 0 || len(action.Flags) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "uids and flags are required")
		return
	}
	mb, err := s.mail.Mailbox(action.Account)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err := mb.SetFlags(r.Context(), action); err != nil {
		s.mailError(w, "set flags", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "updated": len(action.UIDs)}, s.logger)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var opts email.SendOptions
	if !s.decodeBody(w, r, &opts) {
		return
	}
	if len(opts.To) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}
	switch opts.Format {
	case "", email.BodyHTML, email.BodyMarkdown:
	default:
		s.errorResponse(w, http.StatusBadRequest, "format must be html or markdown")
		return
	}

	if err := s.mail.Send(r.Context(), opts); err != nil {
		s.mailError(w, "send", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "sent"}, s.logger)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.poll == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "poller not configured")
		return
	}
	found := s.poll(r.Context())
	if found == nil {
		found = []email.NewMail{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"new_mail": found}, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	s.hub.ServeHTTP(w, r)
}
