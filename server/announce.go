package server

import (
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"

	ilog "github.com/parley-im/parley/log"
)

// Announcer publishes presence transitions to Redis so external tooling can
// watch who is online without touching the registry. A nil *Announcer is
// valid and publishes nothing; the server only builds one when a Redis
// endpoint is configured.
type Announcer struct {
	pool   *redis.Pool
	prefix string
	log    *ilog.Logger
}

type presenceEvent struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	At       int64  `json:"at"`
}

func NewAnnouncer(endpoint, prefix string) *Announcer {
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "announcer"
	return &Announcer{
		pool: &redis.Pool{
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", endpoint)
			},
			MaxIdle:     2,
			MaxActive:   8,
			Wait:        true,
			IdleTimeout: 60 * time.Second,
		},
		prefix: prefix,
		log:    logger,
	}
}

// Presence publishes one register/unregister event on <prefix>presence.
// Publish failures are logged and otherwise ignored; presence announcements
// never gate delivery.
func (a *Announcer) Presence(username string, online bool) {
	if a == nil {
		return
	}
	raw, err := json.Marshal(&presenceEvent{
		Username: username,
		Online:   online,
		At:       time.Now().Unix(),
	})
	if err != nil {
		return
	}
	conn := a.pool.Get()
	defer conn.Close()
	if _, err = conn.Do("PUBLISH", a.Channel(), raw); err != nil {
		a.log.Warnf("presence publish failure: %v", err)
	}
}

func (a *Announcer) Channel() string {
	return a.prefix + "presence"
}

func (a *Announcer) Close() error {
	if a == nil {
		return nil
	}
	return a.pool.Close()
}
