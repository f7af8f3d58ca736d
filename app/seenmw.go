// app/seenmw.go
package app

import (
	"context"
	"time"

	"equipment_lending/db"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Throttle lets one caller per key through per window. A nil Throttle, or a
// redis error, lets everything through.
type Throttle struct {
	rdb *redis.Client
}

func NewThrottle(rdb *redis.Client) *Throttle { return &Throttle{rdb: rdb} }

func (t *Throttle) Allow(ctx context.Context, key string, every time.Duration) bool {
	if t == nil || t.rdb == nil || every <= 0 {
		return true
	}
	ok, err := t.rdb.SetNX(ctx, key, "1", every).Result()
	if err != nil {
		return true
	}
	return ok
}

func TouchLastSeen(repo *db.Repo, th *Throttle, every time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := CurrentUser(c)
		if u == nil {
			c.Next()
			return
		}
		if th.Allow(c, "lend:lastseen:"+u.ID, every) {
			_ = repo.TouchUserSeen(c, u.ID, time.Now().UTC()) // 忽略错误，不阻塞请求
		}
		c.Next()
	}
}
