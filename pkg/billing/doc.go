// Package billing keeps workspace plans in step with the payment provider.
//
// # Overview
//
// Plans move free → pro → free as the provider reports subscription
// changes. Two paths lead to a transition:
//
//   - checkout completion: the session ID from the success redirect (or a
//     checkout.session.completed webhook) is re-fetched from the provider;
//     only a complete, paid session upgrades, and the workspace ID is taken
//     from the session metadata set when the checkout was created
//   - webhooks: signed events are verified, deduplicated by event ID and
//     applied by stored customer reference
//
// # Idempotency
//
// Every applied event ID is inserted into the billing_events ledger in the
// same transaction as the plan change, with the workspace row locked. A
// redelivery loses the insert and is reported as OutcomeDuplicate without
// touching the workspace. Recently committed IDs are also kept in an
// in-process LRU so common redeliveries skip the database.
//
// # Failure Semantics
//
//   - bad signature or payload: errs.Validation (400), terminal
//   - webhook secret missing: errs.NotConfigured (500)
//   - persistence failure: errs.Internal (500), the provider retries
//   - unknown customer or workspace: logged, no-op success
//
// # Usage Example
//
//	provider := billing.NewStripeProvider(billing.StripeConfig{...})
//	rec := billing.NewReconciler(provider, dir, billing.Config{BaseURL: base, PriceID: price})
//	outcome, err := rec.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
package billing
