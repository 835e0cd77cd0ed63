package claim

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"coupon-engine/pkg/rediskey"
	"coupon-engine/services/catalog"
)

// Admission outcomes from the Redis gate. The gate only sheds load; every
// admitted request still runs the authoritative database transaction.
type AdmissionResult int

const (
	AdmitUnseeded AdmissionResult = -1
	AdmitSoldOut  AdmissionResult = 0
	AdmitOK       AdmissionResult = 1
	AdmitLimited  AdmissionResult = 2
)

// admitScript checks the per-user counter and decrements the shadow stock in
// one atomic round trip. Returns -1 when the stock key has not been seeded.
var admitScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local claimed = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
if claimed >= limit then
  return 2
end
local stock = redis.call("GET", KEYS[1])
if stock == false then
  return -1
end
if tonumber(stock) <= 0 then
  return 0
end
redis.call("DECR", KEYS[1])
redis.call("HINCRBY", KEYS[2], ARGV[1], 1)
return 1
`)

var flashAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coupon_flash_admissions_total",
	Help: "Flash claim admission gate outcomes.",
}, []string{"result"})

const flashKeyTTL = 48 * time.Hour

// FlashGate is the bounded pre-check in front of the claim transaction for
// high-contention drops. Its counters are advisory shadows of the database
// state; when Redis is unavailable callers fall through to the database.
type FlashGate struct {
	rdb   redis.UniversalClient
	db    defLoader
	group singleflight.Group

	mu    sync.Mutex
	cache map[snowflake.ID]cachedDef
}

type defLoader interface {
	GetDefinition(ctx context.Context, id snowflake.ID) (*catalog.CouponDefinition, error)
}

type cachedDef struct {
	def      *catalog.CouponDefinition
	fetched  time.Time
	lifetime time.Duration
}

func NewFlashGate(rdb redis.UniversalClient, loader defLoader) *FlashGate {
	return &FlashGate{
		rdb:   rdb,
		db:    loader,
		cache: make(map[snowflake.ID]cachedDef),
	}
}

// Admit runs the gate for one user. An AdmitOK result reserves one unit of
// shadow stock; the caller must Release it if the database claim fails.
func (g *FlashGate) Admit(ctx context.Context, def *catalog.CouponDefinition, userID snowflake.ID) (AdmissionResult, error) {
	stockKey := rediskey.BuildFlashStockKey(def.ID.String())
	claimsKey := rediskey.BuildFlashClaimsKey(def.ID.String())

	for attempt := 0; attempt < 2; attempt++ {
		res, err := admitScript.Run(ctx, g.rdb,
			[]string{stockKey, claimsKey},
			userID.String(), def.PerUserLimit,
		).Int()
		if err != nil {
			return AdmitUnseeded, err
		}

		if AdmissionResult(res) != AdmitUnseeded {
			flashAdmissions.WithLabelValues(admissionLabel(AdmissionResult(res))).Inc()
			return AdmissionResult(res), nil
		}

		if err := g.seed(ctx, def, stockKey, claimsKey); err != nil {
			return AdmitUnseeded, err
		}
	}

	flashAdmissions.WithLabelValues("unseeded").Inc()
	return AdmitUnseeded, nil
}

// seed publishes the current database stock as the gate's starting point.
// SETNX keeps a concurrent seeder from clobbering in-flight decrements.
func (g *FlashGate) seed(ctx context.Context, def *catalog.CouponDefinition, stockKey, claimsKey string) error {
	fresh, err := g.db.GetDefinition(ctx, def.ID)
	if err != nil {
		return err
	}
	ok, err := g.rdb.SetNX(ctx, stockKey, fresh.RemainingCount, flashKeyTTL).Result()
	if err != nil {
		return err
	}
	if ok {
		g.rdb.Expire(ctx, claimsKey, flashKeyTTL)
		zap.L().Info("seeded flash stock gate",
			zap.String("definition_id", def.ID.String()),
			zap.Int64("stock", fresh.RemainingCount),
		)
	}
	return nil
}

// Release returns one unit of shadow stock after the database rejected an
// admitted claim. Best effort: a failed release only makes the gate stricter.
func (g *FlashGate) Release(ctx context.Context, definitionID, userID snowflake.ID) {
	stockKey := rediskey.BuildFlashStockKey(definitionID.String())
	claimsKey := rediskey.BuildFlashClaimsKey(definitionID.String())

	pipe := g.rdb.Pipeline()
	pipe.Incr(ctx, stockKey)
	pipe.HIncrBy(ctx, claimsKey, userID.String(), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("flash gate release failed",
			zap.String("definition_id", definitionID.String()),
			zap.Error(err),
		)
	}
}

// Definition serves the hot-path definition read through a short TTL cache
// collapsed by singleflight, so a drop does not hammer the catalog table.
func (g *FlashGate) Definition(ctx context.Context, id snowflake.ID) (*catalog.CouponDefinition, error) {
	g.mu.Lock()
	if entry, ok := g.cache[id]; ok && time.Since(entry.fetched) < entry.lifetime {
		g.mu.Unlock()
		return entry.def, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do(id.String(), func() (interface{}, error) {
		def, err := g.db.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.cache[id] = cachedDef{def: def, fetched: time.Now(), lifetime: time.Second}
		g.mu.Unlock()
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.CouponDefinition), nil
}

func admissionLabel(r AdmissionResult) string {
	switch r {
	case AdmitOK:
		return "admitted"
	case AdmitSoldOut:
		return "sold_out"
	case AdmitLimited:
		return "limit_reached"
	default:
		return "unseeded"
	}
}
