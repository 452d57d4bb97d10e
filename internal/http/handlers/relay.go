package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/config"
	"github.com/vimalinx/relay/internal/gateway"
	"github.com/vimalinx/relay/internal/model"
	"github.com/vimalinx/relay/internal/relay"
	"github.com/vimalinx/relay/internal/store"
)

const (
	defaultPollWait = 20 * time.Second
	maxPollWait     = 30 * time.Second
	heartbeatPeriod = 25 * time.Second
)

// RelayHandler serves the two transports (SSE stream, long-poll) and the
// inbound/outbound message endpoints.
type RelayHandler struct {
	cfg      *config.Config
	users    *store.UserStore
	registry *relay.Registry
	mailbox  *relay.Mailbox
	owners   *relay.OwnerResolver
	signer   *auth.Signer
	gateway  *gateway.Client
	logger   *zap.Logger
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(
	cfg *config.Config,
	users *store.UserStore,
	registry *relay.Registry,
	mailbox *relay.Mailbox,
	owners *relay.OwnerResolver,
	signer *auth.Signer,
	gw *gateway.Client,
	logger *zap.Logger,
) *RelayHandler {
	return &RelayHandler{
		cfg:      cfg,
		users:    users,
		registry: registry,
		mailbox:  mailbox,
		owners:   owners,
		signer:   signer,
		gateway:  gw,
		logger:   logger,
	}
}

// resolveTransportAuth authenticates a stream/poll/message request from
// the query string, headers, or body-provided credentials.
func (h *RelayHandler) resolveTransportAuth(r *http.Request, userID, secret string) *store.AuthMatch {
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		userID = readUserIDHeader(r)
	}
	if secret == "" {
		secret = readBearerToken(r)
	}
	if secret == "" {
		secret = r.URL.Query().Get("token")
	}
	return h.users.Resolve(userID, secret, false)
}

// HandleStream handles GET /api/stream (SSE)
func (h *RelayHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	match := h.resolveTransportAuth(r, "", "")
	if match == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	deviceKey := model.DeviceKey(match.User.ID, match.Secret)
	lastEventID := parseLastEventID(r)
	h.users.UpdateTokenUsage(match.User, match.Secret, store.UsagePatch{
		LastSeenAt:     time.Now().UnixMilli(),
		StreamConnects: 1,
	})

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: ready\ndata: {}\n\n")

	sub, backlog := h.registry.Attach(deviceKey, lastEventID)
	defer h.registry.Detach(deviceKey, sub)

	for _, entry := range backlog {
		writeSSEEntry(w, entry)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: ping\ndata: %d\n\n", time.Now().UnixMilli())
			flusher.Flush()
		case entry := <-sub.Events():
			writeSSEEntry(w, entry)
			flusher.Flush()
		}
	}
}

func writeSSEEntry(w http.ResponseWriter, entry model.OutboxEntry) {
	data, err := json.Marshal(entry.Payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", entry.EventID, data)
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.URL.Query().Get("lastEventId")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// HandlePoll handles GET /api/poll (long-poll drain)
func (h *RelayHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	match := h.resolveTransportAuth(r, "", "")
	if match == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.users.UpdateTokenUsage(match.User, match.Secret, store.UsagePatch{
		LastSeenAt: time.Now().UnixMilli(),
	})
	if err := h.signer.VerifyRequest(r, "", "poll:"+match.User.ID); err != nil {
		respondSignatureError(w, err)
		return
	}

	wait := defaultPollWait
	if raw := r.URL.Query().Get("waitMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			wait = time.Duration(ms) * time.Millisecond
			if wait < 0 {
				wait = 0
			}
			if wait > maxPollWait {
				wait = maxPollWait
			}
		}
	}

	deviceKey := model.DeviceKey(match.User.ID, match.Secret)
	messages := h.mailbox.Wait(r.Context(), deviceKey, wait)
	if messages == nil {
		messages = []model.InboundMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": messages})
}

func respondSignatureError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrNonceReplay) {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithError(w, http.StatusUnauthorized, err.Error())
}

// messageRequest is the request body for POST /api/message
type messageRequest struct {
	UserID     string `json:"userId"`
	Token      string `json:"token"`
	Text       string `json:"text"`
	ChatID     string `json:"chatId"`
	ChatType   string `json:"chatType"`
	Mentioned  bool   `json:"mentioned"`
	SenderName string `json:"senderName"`
	ChatName   string `json:"chatName"`
	ID         string `json:"id"`
}

// HandleMessage handles POST /api/message (inbound from a client device)
func (h *RelayHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	secret := strings.TrimSpace(req.Token)
	if secret == "" {
		secret = readBearerToken(r)
	}
	if secret == "" || req.Text == "" {
		respondWithError(w, http.StatusBadRequest, "token and text required")
		return
	}
	match := h.resolveTransportAuth(r, strings.TrimSpace(req.UserID), secret)
	if match == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now().UnixMilli()
	h.users.UpdateTokenUsage(match.User, match.Secret, store.UsagePatch{
		LastSeenAt:    now,
		InboundCount:  1,
		LastInboundAt: now,
	})

	deviceKey := model.DeviceKey(match.User.ID, match.Secret)
	message := h.buildInboundMessage(&req, match.User, deviceKey, now)

	if h.cfg.InboundMode == "webhook" {
		if err := h.gateway.Forward(r.Context(), message, match.User); err != nil {
			h.logger.Warn("gateway forward failed",
				zap.String("userId", match.User.ID), zap.Error(err))
			respondWithError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": true})
		return
	}

	h.mailbox.Enqueue(deviceKey, message)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "queued": true})
}

// buildInboundMessage normalizes the payload and learns the chat owner.
func (h *RelayHandler) buildInboundMessage(req *messageRequest, user *model.UserRecord, deviceKey string, now int64) model.InboundMessage {
	chatID := relay.NormalizeChatID(user.ID, req.ChatID)
	h.owners.Learn(chatID, user.ID, deviceKey)

	senderName := strings.TrimSpace(req.SenderName)
	if senderName == "" {
		senderName = user.DisplayName
	}
	if senderName == "" {
		senderName = user.ID
	}
	chatType := req.ChatType
	if chatType != "group" {
		chatType = "dm"
	}
	return model.InboundMessage{
		ID:         strings.TrimSpace(req.ID),
		ChatID:     chatID,
		ChatName:   strings.TrimSpace(req.ChatName),
		ChatType:   chatType,
		SenderID:   user.ID,
		SenderName: senderName,
		Text:       req.Text,
		Mentioned:  req.Mentioned,
		Timestamp:  now,
	}
}

// sendRequest is the request body for POST /send
type sendRequest struct {
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId"`
	AccountID string `json:"accountId"`
	ID        string `json:"id"`
}

// HandleSend handles POST /send (outbound to a device)
func (h *RelayHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ChatID) == "" || req.Text == "" {
		respondWithError(w, http.StatusBadRequest, "chatId and text required")
		return
	}

	owner, deviceKey, found := h.owners.Resolve(req.ChatID)
	if !found {
		if relay.ExtractUserID(req.ChatID) == "" {
			respondWithError(w, http.StatusBadRequest, "invalid chatId")
			return
		}
		respondWithError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err := h.signer.VerifyRequest(r, string(raw), "send:"+owner.ID); err != nil {
		respondSignatureError(w, err)
		return
	}
	if !h.verifySendAuth(r, owner) {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now().UnixMilli()
	if token := tokenFromDeviceKey(deviceKey); token != "" {
		h.users.UpdateTokenUsage(owner, token, store.UsagePatch{
			LastSeenAt:     now,
			OutboundCount:  1,
			LastOutboundAt: now,
		})
	}

	var replyTo any
	if trimmed := strings.TrimSpace(req.ReplyToID); trimmed != "" {
		replyTo = trimmed
	}
	h.registry.Send(deviceKey, map[string]any{
		"type":       "message",
		"chatId":     req.ChatID,
		"text":       req.Text,
		"replyToId":  replyTo,
		"receivedAt": now,
	})
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": true})
}

// verifySendAuth accepts the server token or any of the owning user's
// tokens as the bearer credential.
func (h *RelayHandler) verifySendAuth(r *http.Request, owner *model.UserRecord) bool {
	provided := readBearerToken(r)
	if h.cfg.ServerToken != "" && provided == h.cfg.ServerToken {
		return true
	}
	return provided != "" && h.users.HasToken(owner, provided)
}

func tokenFromDeviceKey(deviceKey string) string {
	idx := strings.Index(deviceKey, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(deviceKey[idx+1:])
}
