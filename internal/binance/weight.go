package binance

import (
	"context"

	futures "github.com/adshao/go-binance/v2/futures"

	"futuresflow/internal/ratelimit"
	"futuresflow/logger"
)

// FetchRequestWeightLimit queries the Binance futures exchangeInfo endpoint to
// retrieve the REQUEST_WEIGHT per minute limit. It returns 0 if the limit
// cannot be determined.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// DiscoverWeightCapacity resizes the limiter to the exchange's advertised
// REQUEST_WEIGHT budget. Discovery failures leave the configured capacity in
// place; live trading limits change rarely enough that the static default is
// an acceptable fallback.
func DiscoverWeightCapacity(ctx context.Context, limiter *ratelimit.Limiter) {
	log := logger.GetLogger().WithComponent("binance_weight")

	limit, err := FetchRequestWeightLimit(ctx, futures.NewClient("", ""))
	if err != nil {
		log.WithError(err).Warn("request weight discovery failed, keeping configured capacity")
		return
	}
	if limit <= 0 {
		log.Warn("exchange did not advertise a REQUEST_WEIGHT limit")
		return
	}

	if err := limiter.SetCapacity(int(limit)); err != nil {
		log.WithError(err).Warn("rejected discovered weight capacity")
		return
	}
	log.WithFields(logger.Fields{"capacity": limit}).Info("rate limiter capacity set from exchange info")
}
