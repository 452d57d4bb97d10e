package relay

import (
	"strings"
	"sync"

	"github.com/vimalinx/relay/internal/model"
	"github.com/vimalinx/relay/internal/store"
)

// OwnerResolver maps chatIds back to the device key that should receive
// outbound sends. Mappings are learned opportunistically from inbound
// traffic; the resolver never invents identities.
type OwnerResolver struct {
	users *store.UserStore

	mu     sync.Mutex
	owners map[string]model.ChatOwner
}

func NewOwnerResolver(users *store.UserStore) *OwnerResolver {
	return &OwnerResolver{
		users:  users,
		owners: make(map[string]model.ChatOwner),
	}
}

// Learn records the owner of a chatId, overwriting any previous mapping.
func (r *OwnerResolver) Learn(chatID, userID, deviceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[chatID] = model.ChatOwner{UserID: userID, DeviceKey: deviceKey}
}

// Resolve finds the owning user and device key for a chatId: the learned
// mapping first, then a user:/test: prefix parse against the user's
// primary token, then the sole registered user when exactly one exists.
func (r *OwnerResolver) Resolve(chatID string) (*model.UserRecord, string, bool) {
	if chatID == "" {
		return nil, "", false
	}
	r.mu.Lock()
	mapped, ok := r.owners[chatID]
	r.mu.Unlock()
	if ok {
		if user := r.users.Get(mapped.UserID); user != nil {
			return user, mapped.DeviceKey, true
		}
	}
	if directID := ExtractUserID(chatID); directID != "" {
		if user := r.users.Get(directID); user != nil {
			if token := r.users.PrimaryToken(user); token != "" {
				return user, model.DeviceKey(user.ID, token), true
			}
		}
	}
	if user := r.users.Single(); user != nil {
		if token := r.users.PrimaryToken(user); token != "" {
			return user, model.DeviceKey(user.ID, token), true
		}
	}
	return nil, "", false
}

// NormalizeChatID defaults an empty chatId to the user's own chat.
func NormalizeChatID(userID, chatID string) string {
	if trimmed := strings.TrimSpace(chatID); trimmed != "" {
		return trimmed
	}
	return "user:" + userID
}

// ExtractUserID pulls a user id out of a chatId, honoring the
// user:<id> and test:<id> conventions.
func ExtractUserID(chatID string) string {
	trimmed := strings.TrimSpace(chatID)
	if rest, ok := strings.CutPrefix(trimmed, "user:"); ok {
		return strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(trimmed, "test:"); ok {
		return strings.TrimSpace(rest)
	}
	return trimmed
}
