package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyManager shares cooldowns and the response cache across instances
// through a Valkey deployment.
type ValkeyManager struct {
	client valkey.Client
}

func NewValkeyManager(client valkey.Client) *ValkeyManager {
	return &ValkeyManager{client: client}
}

func valkeyCooldownKey(provider string, model string) string {
	return fmt.Sprintf("pulseroute:cooldown:%s:%s", provider, model)
}

func (r *ValkeyManager) Allow(ctx context.Context, provider string, model string) (bool, time.Duration, error) {
	key := valkeyCooldownKey(provider, model)

	resp := r.client.Do(ctx, r.client.B().Pttl().Key(key).Build())
	remainingMillis, err := resp.AsInt64()
	if err != nil {
		return false, 0, err
	}

	// PTTL returns -2 for a missing key and -1 for a key with no expiry.
	// Cooldown keys always carry an expiry, so either means not cooling.
	if remainingMillis < 0 {
		return true, 0, nil
	}
	return false, time.Duration(remainingMillis) * time.Millisecond, nil
}

func (r *ValkeyManager) Cooldown(ctx context.Context, provider string, model string, duration time.Duration) error {
	key := valkeyCooldownKey(provider, model)

	return r.client.Do(
		ctx, r.client.B().Set().
			Key(key).
			Value("1").
			Px(duration).
			Build(),
	).Error()
}

func (r *ValkeyManager) SaveCache(
	ctx context.Context, key string, value []byte, duration time.Duration,
) error {
	return r.client.Do(
		ctx, r.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(duration).
			Build(),
	).Error()
}

func (r *ValkeyManager) LoadCache(ctx context.Context, key string) ([]byte, error) {
	valkeyResponse := r.client.Do(ctx, r.client.B().Get().Key(key).Build())
	if err := valkeyResponse.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return valkeyResponse.AsBytes()
}
