// Package billing maps payment provider events onto subscription state and
// credit refills, and creates provider checkout sessions.
package billing

// Plan tiers.
const (
	PlanFree = "FREE"
	PlanPro  = "PRO"
)

// Plan defines a subscription tier: its monthly credit grant and price.
type Plan struct {
	Name    string
	Credits int64 // monthly credit grant; refills overwrite the balance
	Price   int   // USD per month
	PriceID string // provider price identifier; empty for the free tier
}

// Plans is the static plan catalog.
var Plans = map[string]Plan{
	PlanFree: {Name: "Free", Credits: 100, Price: 0},
	PlanPro:  {Name: "Pro", Credits: 100000, Price: 29, PriceID: "price_pro_monthly"},
}

// PlanForPrice maps a provider price ID to a plan tier. proPriceID is the
// configured PRO price; any other identifier falls back to FREE.
func PlanForPrice(priceID, proPriceID string) (string, Plan) {
	if priceID != "" && priceID == proPriceID {
		return PlanPro, Plans[PlanPro]
	}
	return PlanFree, Plans[PlanFree]
}
