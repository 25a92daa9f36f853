package live

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/geom"
)

const (
	snapshotKey = "soar:live-snapshot"
	snapshotTTL = 2 * time.Minute
)

type (
	// SnapshotMirror periodically writes the whole live map into redis, so
	// anything that is not a websocket client (the web API, ops tooling)
	// can read the current picture without talking to this process
	SnapshotMirror struct {
		d      *Distributor
		client *redis.Client
		every  time.Duration
	}
)

func NewSnapshotMirror(d *Distributor, addr string, every time.Duration) *SnapshotMirror {
	return &SnapshotMirror{
		d:      d,
		client: redis.NewClient(&redis.Options{Addr: addr}),
		every:  every,
	}
}

func (sm *SnapshotMirror) Run(ctx context.Context) {
	ticker := time.NewTicker(sm.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.write(ctx)
		case <-ctx.Done():
			_ = sm.client.Close()
			return
		}
	}
}

func (sm *SnapshotMirror) write(ctx context.Context) {
	// the whole globe
	fixes := sm.d.Snapshot(geom.Bounds{North: 90, East: 180, South: -90, West: -180})
	json := jsoniter.ConfigFastest
	buf, err := json.Marshal(fixes)
	if nil != err {
		log.Error().Err(err).Msg("Failed to marshal live snapshot")
		return
	}
	if err = sm.client.Set(ctx, snapshotKey, buf, snapshotTTL).Err(); nil != err {
		log.Error().Err(err).Msg("Failed to mirror live snapshot to redis")
	}
}

func (sm *SnapshotMirror) HealthCheckName() string {
	return "redis-snapshot-mirror"
}

func (sm *SnapshotMirror) HealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return nil == sm.client.Ping(ctx).Err()
}
