package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CatalogSource resolves a vendor's active contract price on a cache miss.
type CatalogSource interface {
	ActivePrice(ctx context.Context, vendorId int, itemId int) (*decimal.Decimal, error)
}

// GormCatalogSource reads active contracts + price lists from the database.
type GormCatalogSource struct {
	DB *gorm.DB
}

func (s *GormCatalogSource) ActivePrice(ctx context.Context, vendorId int, itemId int) (*decimal.Decimal, error) {
	return models.GetActiveContractPrice(s.DB, ctx, vendorId, itemId)
}

// cachedPrice is the stored payload. Misses are cached too (Found=false) so a
// vendor without a contract doesn't hammer the catalog for an hour.
type cachedPrice struct {
	Found bool            `json:"found"`
	Price decimal.Decimal `json:"price"`
}

// ContractPriceCache resolves vendor+item contract prices with a time-bound
// Redis cache. Constructed by the registry with an explicit lifetime; nil
// Redis degrades to always-miss. The only invalidation paths are TTL expiry
// and ClearCache, called by contract management when a contract changes.
type ContractPriceCache struct {
	rdb     *redis.Client
	catalog CatalogSource
	logger  *logrus.Logger
	ttl     time.Duration
}

func NewContractPriceCache(rdb *redis.Client, catalog CatalogSource, logger *logrus.Logger) *ContractPriceCache {
	return &ContractPriceCache{
		rdb:     rdb,
		catalog: catalog,
		logger:  logger,
		ttl:     config.ContractPriceCacheTTL(),
	}
}

func priceKey(vendorId int, itemId int) string {
	return fmt.Sprintf("ContractPrice:%d:%d", vendorId, itemId)
}

func vendorSetKey(vendorId int) string {
	return fmt.Sprintf("ContractPriceKeys:%d", vendorId)
}

// GetPrice returns the active contract price, or nil when the vendor has no
// active contract covering the item.
func (c *ContractPriceCache) GetPrice(ctx context.Context, vendorId int, itemId int) (*decimal.Decimal, error) {
	key := priceKey(vendorId, itemId)

	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Result()
		if err == nil {
			var cached cachedPrice
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				if !cached.Found {
					return nil, nil
				}
				price := cached.Price
				return &price, nil
			}
		} else if err != redis.Nil {
			// Redis trouble is not a pricing failure; fall through to the catalog.
			config.LogError(c.logger, "contractPriceCache.go", "GetPrice", "RedisGet", key, err)
		}
	}

	price, err := c.catalog.ActivePrice(ctx, vendorId, itemId)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		cached := cachedPrice{Found: price != nil}
		if price != nil {
			cached.Price = *price
		}
		payload, err := json.Marshal(cached)
		if err == nil {
			if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
				config.LogError(c.logger, "contractPriceCache.go", "GetPrice", "RedisSet", key, err)
			}
			if err := c.rdb.SAdd(ctx, vendorSetKey(vendorId), key).Err(); err != nil {
				config.LogError(c.logger, "contractPriceCache.go", "GetPrice", "RedisSAdd", key, err)
			}
		}
	}

	return price, nil
}

// ClearCache invalidates every cached price for the vendor. Contract
// management calls this when a contract is created, updated or ended.
func (c *ContractPriceCache) ClearCache(ctx context.Context, vendorId int) error {
	if c.rdb == nil {
		return nil
	}
	setKey := vendorSetKey(vendorId)
	keys, err := c.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return err
	}
	keys = append(keys, setKey)
	return c.rdb.Del(ctx, keys...).Err()
}
