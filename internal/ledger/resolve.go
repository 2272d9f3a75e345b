package ledger

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// resolve finds the active records an allocation may draw from. Steps are
// tried in order and the first one that matches anything wins:
//
//  1. exact customer id
//  2. exact phone
//  3. phone suffix, for hints stored with or without a country code
//  4. any active record for the product (only when enabled)
func (a *Allocator) resolve(ctx context.Context, req AllocationRequest) ([]*Record, error) {
	base := Query{Kind: req.Kind, ProductKey: req.ProductKey}
	var steps []Query

	if id := strings.TrimSpace(req.Customer.ID); id != "" {
		q := base
		q.CustomerID = id
		steps = append(steps, q)
	}
	if phone := NormalizePhone(req.Customer.Phone); phone != "" {
		q := base
		q.Phone = phone
		steps = append(steps, q)

		if phoneDigits(phone) >= a.minPhoneSuffix {
			q := base
			q.PhoneSuffix = strings.TrimPrefix(phone, "+")
			steps = append(steps, q)
		}
	}
	if a.productOnlyFallback && req.Kind == KindProductUnits {
		steps = append(steps, base)
	}

	for i, q := range steps {
		recs, err := store.Get(ctx, a.policy, func(ctx context.Context) ([]*Record, error) {
			return a.records.FindActive(ctx, q)
		})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			if i > 0 {
				a.logger.Debug("customer resolved by fallback step", "order_id", req.OrderID, "step", i+1)
			}
			sortOldestFirst(recs)
			return recs, nil
		}
	}
	return nil, ErrCustomerNotResolved
}
