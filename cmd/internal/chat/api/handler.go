// Package chatapi exposes the chat store over HTTP under /api/chat.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tandem/cmd/internal/auth/session"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/directory"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
)

// OnlineLister reports the users with a live realtime connection.
type OnlineLister interface {
	OnlineUserIDs() []string
}

// Notifier pushes a message stored over REST to the live connections of the
// other participants.
type Notifier interface {
	DeliverMessage(conv chat.Conversation, m chat.Message)
}

// Deps are the collaborators of a Handler. Auth and Store are required.
type Deps struct {
	Auth        session.Validator
	Store       chat.Store
	Directory   directory.Directory
	Online      OnlineLister
	Notifier    Notifier
	Attachments AttachmentStore
	Metrics     *Metrics
	Now         func() time.Time
}

// Handler serves the chat REST endpoints.
type Handler struct {
	log         *slog.Logger
	cfg         Config
	auth        session.Validator
	store       chat.Store
	dir         directory.Directory
	online      OnlineLister
	notifier    Notifier
	attachments AttachmentStore
	metrics     *Metrics
	now         func() time.Time
}

// NewHandler constructs a Handler. A nil Directory accepts any user id; a nil
// AttachmentStore disables multipart uploads.
func NewHandler(log *slog.Logger, cfg Config, d Deps) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if d.Auth == nil {
		return nil, errors.New("chatapi: nil auth validator")
	}
	if d.Store == nil {
		return nil, errors.New("chatapi: nil store")
	}
	if d.Directory == nil {
		d.Directory = directory.Open{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{
		log:         log,
		cfg:         cfg.normalized(),
		auth:        d.Auth,
		store:       d.Store,
		dir:         d.Directory,
		online:      d.Online,
		notifier:    d.Notifier,
		attachments: d.Attachments,
		metrics:     d.Metrics,
		now:         d.Now,
	}, nil
}

// Routes returns the authenticated chat router. Mount it at /api/chat.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireAuth)

	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations", h.handleListConversations)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetConversation)
		r.Get("/messages", h.handleHistory)
		r.Post("/messages", h.handleSendMessage)
		r.Put("/read", h.handleMarkRead)
	})
	r.Post("/groups", h.handleCreateGroup)
	r.Get("/presence/online", h.handleOnline)
	return r
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	uid := userID(r)
	partner := strings.TrimSpace(req.PartnerID)
	if partner == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "partner_id is required")
		return
	}
	if partner == uid {
		writeError(w, http.StatusBadRequest, "invalid_input", "cannot open a conversation with yourself")
		return
	}

	ok, err := h.dir.Exists(ctx, partner)
	if err != nil {
		writeStoreError(w, h.log, "chat.conversation.lookup.fail", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	conv, created, err := h.store.FindOrCreateConversation(ctx, uid, partner, h.now().UTC())
	if err != nil {
		writeStoreError(w, h.log, "chat.conversation.create.fail", err)
		return
	}

	status, result := http.StatusOK, "existing"
	if created {
		status, result = http.StatusCreated, "created"
		h.log.Info("chat.conversation.created", "conversation_id", conv.ID, "user_id", uid)
	}
	h.metrics.conversations.WithLabelValues("direct", result).Inc()
	writeJSON(w, status, chat.WireConversation(conv, h.profiles(ctx, conv.Participants)))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	uid := userID(r)
	for _, m := range req.MemberIDs {
		m = strings.TrimSpace(m)
		if m == "" || m == uid {
			continue
		}
		ok, err := h.dir.Exists(ctx, m)
		if err != nil {
			writeStoreError(w, h.log, "chat.group.lookup.fail", err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "user not found: "+m)
			return
		}
	}

	conv, err := h.store.CreateGroup(ctx, chat.GroupInput{
		Name:      req.Name,
		AdminID:   uid,
		MemberIDs: req.MemberIDs,
		Now:       h.now().UTC(),
	})
	if err != nil {
		writeStoreError(w, h.log, "chat.group.create.fail", err)
		return
	}

	h.metrics.conversations.WithLabelValues("group", "created").Inc()
	h.log.Info("chat.group.created", "conversation_id", conv.ID, "admin_id", uid, "members", len(conv.Participants))
	writeJSON(w, http.StatusCreated, chat.WireConversation(conv, h.profiles(ctx, conv.Participants)))
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convs, err := h.store.ListConversationsFor(ctx, userID(r))
	if err != nil {
		writeStoreError(w, h.log, "chat.conversation.list.fail", err)
		return
	}

	var all []string
	for _, c := range convs {
		all = append(all, c.Participants...)
	}
	profiles := h.profiles(ctx, all)

	out := v1.ConversationListResponse{Conversations: make([]v1.Conversation, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, chat.WireConversation(c, profiles))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat.WireConversation(conv, h.profiles(r.Context(), conv.Participants)))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	q := chat.HistoryQuery{ConversationID: conv.ID}
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "after_seq must be a non-negative integer")
			return
		}
		q.AfterSeq = &n
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	page, err := h.store.GetHistory(r.Context(), q)
	if err != nil {
		writeStoreError(w, h.log, "chat.history.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.ConversationHistoryChunkPayload{
		ConversationID: conv.ID,
		Messages:       chat.WireMessages(page.Messages),
		HasMore:        page.HasMore,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	var (
		clientMsgID string
		body        chat.Body
		err         error
	)
	if isMultipart(r) {
		clientMsgID, body, err = h.readUpload(w, r)
	} else {
		var req v1.SendMessageRequest
		if derr := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		clientMsgID = req.ClientMsgID
		body, err = chat.BodyFromWire(req.Kind, req.Text, req.Attachment, req.Call)
	}
	if err != nil {
		writeStoreError(w, h.log, "chat.message.body.fail", err)
		return
	}

	uid := userID(r)
	res, err := h.store.AppendMessage(r.Context(), chat.AppendInput{
		ConversationID: conv.ID,
		SenderID:       uid,
		ClientMsgID:    clientMsgID,
		Body:           body,
		Now:            h.now().UTC(),
	})
	if err != nil {
		writeStoreError(w, h.log, "chat.message.append.fail", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
		h.metrics.appended.WithLabelValues("duplicate").Inc()
	} else {
		h.metrics.appended.WithLabelValues("created").Inc()
		if h.notifier != nil {
			h.notifier.DeliverMessage(conv, res.Message)
		}
	}
	writeJSON(w, status, chat.WireMessage(res.Message))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.store.MarkRead(r.Context(), id, userID(r)); err != nil {
		writeStoreError(w, h.log, "chat.read.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOnline(w http.ResponseWriter, _ *http.Request) {
	online := []string{}
	if h.online != nil {
		online = h.online.OnlineUserIDs()
	}
	writeJSON(w, http.StatusOK, v1.PresenceOnlinePayload{UserIDs: online})
}

// ---- helpers ----

func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (chat.Conversation, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.log, "chat.conversation.get.fail", err)
		return chat.Conversation{}, false
	}
	if !conv.HasParticipant(userID(r)) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return chat.Conversation{}, false
	}
	return conv, true
}

// profiles decorates participants. Directory failures degrade to bare ids.
func (h *Handler) profiles(ctx context.Context, userIDs []string) map[string]chat.Profile {
	if len(userIDs) == 0 {
		return nil
	}
	ps, err := h.dir.Profiles(ctx, userIDs)
	if err != nil {
		h.log.Warn("chat.profiles.fail", "err", err)
		return nil
	}
	out := make(map[string]chat.Profile, len(ps))
	for id, p := range ps {
		out[id] = chat.Profile{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	}
	return out
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// readUpload stores the "file" part and builds an attachment body captioned
// with the optional "text" field.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, chat.Body, error) {
	const op = "chatapi.upload"

	if h.attachments == nil {
		return "", nil, chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "uploads are disabled"}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.metrics.uploads.WithLabelValues("too_large").Inc()
			return "", nil, ErrTooLarge
		}
		return "", nil, chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "invalid multipart body"}
	}

	clientMsgID := strings.TrimSpace(r.FormValue("client_msg_id"))
	if clientMsgID == "" {
		return "", nil, chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "missing client_msg_id"}
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "missing file part"}
	}
	defer func() { _ = f.Close() }()

	url, err := h.attachments.Save(r.Context(), hdr.Filename, f)
	if err != nil {
		h.metrics.uploads.WithLabelValues("fail").Inc()
		return "", nil, err
	}
	h.metrics.uploads.WithLabelValues("stored").Inc()

	return clientMsgID, chat.Attachment{
		URL:     url,
		Name:    hdr.Filename,
		MIME:    hdr.Header.Get("Content-Type"),
		Caption: r.FormValue("text"),
	}, nil
}
