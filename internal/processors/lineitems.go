package processors

import (
	"errors"
	"fmt"

	"github.com/abjerry97/go_hostel/api"
	"github.com/shopspring/decimal"
)

var (
	ErrNoBillableItemSelected = errors.New("no billable item selected")
	ErrUnknownLineItem        = errors.New("unknown line item")
	ErrNoApprovedAllocation   = errors.New("no active room allocation found: payments require an approved room booking")
)

const defaultMealPlanID = 1

var fixedItems = map[string]api.LineItem{
	api.ItemWifi:        {ID: api.ItemWifi, Name: "WiFi", Amount: decimal.NewFromInt(1000)},
	api.ItemElectricity: {ID: api.ItemElectricity, Name: "Electricity", Amount: decimal.NewFromInt(500)},
	api.ItemWater:       {ID: api.ItemWater, Name: "Water", Amount: decimal.NewFromInt(300)},
	api.ItemGym:         {ID: api.ItemGym, Name: "Gym Access", Amount: decimal.NewFromInt(800)},
	api.ItemMaintenance: {ID: api.ItemMaintenance, Name: "Maintenance", Amount: decimal.NewFromInt(49)},
}

// MealPlans is the meal plan catalog, keyed by plan id.
var MealPlans = map[int]api.MealPlan{
	1: {ID: 1, Name: "Basic Plan", Price: decimal.NewFromInt(3000)},
	2: {ID: 2, Name: "Standard Plan", Price: decimal.NewFromInt(4500)},
	3: {ID: 3, Name: "Premium Plan", Price: decimal.NewFromInt(6000)},
}

// Bill is a priced selection of line items for one attempt.
type Bill struct {
	Items    []api.LineItem
	Total    decimal.Decimal
	Category string
}

// PriceLineItems resolves the selected ids against the catalog. A room item
// needs alloc; the meal item falls back to the basic plan without a subscription.
func PriceLineItems(selected []string, alloc *api.RoomAllocation, mealPlanID int) (*Bill, error) {
	bill := &Bill{Total: decimal.Zero, Category: api.CategoryServices}
	seen := make(map[string]bool, len(selected))

	for _, id := range selected {
		if seen[id] {
			continue
		}
		seen[id] = true

		var item api.LineItem
		switch id {
		case api.ItemRoom:
			if alloc == nil {
				return nil, ErrNoApprovedAllocation
			}
			item = api.LineItem{
				ID:     api.ItemRoom,
				Name:   "Room " + alloc.Room.RoomNumber,
				Amount: alloc.Room.PricePerMonth,
			}
			bill.Category = api.CategoryRoom
		case api.ItemMeal:
			plan, ok := MealPlans[mealPlanID]
			if !ok {
				plan = MealPlans[defaultMealPlanID]
			}
			item = api.LineItem{ID: api.ItemMeal, Name: plan.Name, Amount: plan.Price}
		default:
			fixed, ok := fixedItems[id]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownLineItem, id)
			}
			item = fixed
		}

		bill.Items = append(bill.Items, item)
		bill.Total = bill.Total.Add(item.Amount)
	}

	if len(bill.Items) == 0 {
		return nil, ErrNoBillableItemSelected
	}
	return bill, nil
}

func selects(selected []string, id string) bool {
	for _, s := range selected {
		if s == id {
			return true
		}
	}
	return false
}
