// notify.go - Outbound notification hook.
//
// The engine surfaces "loot drop" moments (awards granted, choices
// created/claimed/expired) to a notification collaborator. Delivery
// mechanics are outside this package; see the events package for the
// in-process implementation.
package loyalty

import "context"

// Notifier receives engine lifecycle notifications. Implementations must
// not block the calling operation; failures are the notifier's problem,
// never the claim's.
type Notifier interface {
	AwardGranted(ctx context.Context, customerID CustomerID, businessID BusinessID, results []AppliedAward, sourceKey string)
	ChoiceCreated(ctx context.Context, choice PendingChoice)
	ChoiceClaimed(ctx context.Context, choice PendingChoice, results []AppliedAward)
	ChoicesExpired(ctx context.Context, count int)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) AwardGranted(context.Context, CustomerID, BusinessID, []AppliedAward, string) {}
func (NopNotifier) ChoiceCreated(context.Context, PendingChoice)                                 {}
func (NopNotifier) ChoiceClaimed(context.Context, PendingChoice, []AppliedAward)                 {}
func (NopNotifier) ChoicesExpired(context.Context, int)                                          {}
