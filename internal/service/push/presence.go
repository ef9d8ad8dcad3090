package push

import (
	"context"
	"encoding/json"
	"net/http"

	"orderflow/internal/pkg/logger"
)

// PresenceLookup 查询用户的连接当前由哪个节点持有，由 *RedisSessions 实现。
type PresenceLookup interface {
	NodeOf(ctx context.Context, userID string) (string, error)
}

type presenceView struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Node   string `json:"node,omitempty"`
}

// PresenceHandler 处理 GET /presence/{userId}，供负载均衡做粘性路由和排查连接问题。
// lookup 为 nil（未启用 Redis）时返回 503。
func PresenceHandler(lookup PresenceLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if lookup == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "presence registry disabled"})
			return
		}
		userID := r.PathValue("userId")
		node, err := lookup.NodeOf(r.Context(), userID)
		if err != nil {
			logger.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("Presence lookup failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "presence registry unavailable"})
			return
		}
		_ = json.NewEncoder(w).Encode(presenceView{UserID: userID, Online: node != "", Node: node})
	}
}
