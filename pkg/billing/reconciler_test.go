package billing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// fakeProvider serves checkout sessions from a map and "verifies" events
// by looking the payload up.
type fakeProvider struct {
	mu        sync.Mutex
	sessions  map[string]*CheckoutSession
	subs      map[string]*Subscription
	events    map[string]*Event
	retrieved int
	created   []CheckoutRequest
	portal    []string
	fail      error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: make(map[string]*CheckoutSession),
		subs:     make(map[string]*Subscription),
		events:   make(map[string]*Event),
	}
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.created = append(f.created, req)
	return &Session{ID: "cs_new", URL: "https://checkout.example.com/cs_new"}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portal = append(f.portal, returnURL)
	return &Session{ID: "bps_1", URL: "https://billing.example.com/" + customerID}, nil
}

func (f *fakeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieved++
	if f.fail != nil {
		return nil, f.fail
	}
	cs, ok := f.sessions[sessionID]
	if !ok {
		return nil, errs.ExternalProvider(errors.New("no such session"), "payment provider request failed")
	}
	return cs, nil
}

func (f *fakeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, errs.ExternalProvider(errors.New("no such subscription"), "payment provider request failed")
	}
	return sub, nil
}

func (f *fakeProvider) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if signatureHeader != "valid" {
		return nil, errs.Validation("invalid webhook signature or payload")
	}
	ev, ok := f.events[string(payload)]
	if !ok {
		return nil, errs.Validation("invalid webhook signature or payload")
	}
	return ev, nil
}

func (f *fakeProvider) paidSession(id string, workspaceID string, customer string) {
	f.sessions[id] = &CheckoutSession{
		ID:            id,
		Status:        CheckoutStatusComplete,
		PaymentStatus: PaymentStatusPaid,
		CustomerID:    customer,
		Metadata:      map[string]string{MetadataWorkspaceID: workspaceID},
	}
}

type transitionRecord struct{ from, to, source string }

type fakeRecorder struct {
	mu          sync.Mutex
	webhooks    map[string]int
	transitions []transitionRecord
}

func (r *fakeRecorder) RecordProviderCall(string, time.Duration, error) {}

func (r *fakeRecorder) RecordWebhook(eventType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.webhooks == nil {
		r.webhooks = make(map[string]int)
	}
	r.webhooks[outcome]++
}

func (r *fakeRecorder) RecordPlanTransition(from, to, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transitionRecord{from, to, source})
}

type harness struct {
	rec      *Reconciler
	provider *fakeProvider
	dir      *storage.MemoryDirectory
	recorder *fakeRecorder
	ws       *storage.Workspace
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := storage.NewMemoryDirectory()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir.SetClock(func() time.Time { return created })

	ws := &storage.Workspace{Name: "Acme", Slug: "acme", Plan: storage.PlanFree}
	require.NoError(t, dir.InTx(ctx, func(tx storage.Tx) error {
		owner := &storage.User{Email: "owner@example.com"}
		if err := tx.CreateUser(ctx, owner); err != nil {
			return err
		}
		ws.OwnerID = owner.ID
		return tx.CreateWorkspace(ctx, ws)
	}))

	h := &harness{
		provider: newFakeProvider(),
		dir:      dir,
		recorder: &fakeRecorder{},
		ws:       ws,
		clock:    time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	logger, _ := test.NewNullLogger()
	h.rec = NewReconciler(h.provider, dir, Config{BaseURL: "https://app.example.com/", PriceID: "price_pro"},
		WithLogger(logger),
		WithRecorder(h.recorder),
		WithClock(func() time.Time { return h.clock }),
	)
	return h
}

func (h *harness) workspace(t *testing.T) *storage.Workspace {
	t.Helper()
	ws, err := h.dir.GetWorkspace(context.Background(), h.ws.ID)
	require.NoError(t, err)
	return ws
}

func (h *harness) event(payload string, ev *Event) []byte {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	h.provider.events[payload] = ev
	return []byte(payload)
}

func (h *harness) makePro(t *testing.T, customer string) {
	t.Helper()
	_, err := h.rec.SetPlan(context.Background(), h.ws.ID, storage.PlanPro)
	require.NoError(t, err)
	require.NoError(t, h.dir.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.SetWorkspacePlan(context.Background(), h.ws.ID, storage.PlanChange{
			Plan:              storage.PlanPro,
			BillingCustomerID: &customer,
			UpdatedAt:         h.clock,
		})
	}))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestCreateUpgradeSession(t *testing.T) {
	ctx := context.Background()

	t.Run("carries workspace and redirect urls", func(t *testing.T) {
		h := newHarness(t)
		session, err := h.rec.CreateUpgradeSession(ctx, h.ws, "owner@example.com")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.example.com/cs_new", session.URL)

		require.Len(t, h.provider.created, 1)
		req := h.provider.created[0]
		assert.Equal(t, h.ws.ID, req.WorkspaceID)
		assert.Equal(t, "price_pro", req.PriceID)
		assert.Equal(t, "https://app.example.com/billing/success?session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
		assert.Equal(t, "https://app.example.com/dashboard", req.CancelURL)
	})

	t.Run("missing price", func(t *testing.T) {
		h := newHarness(t)
		rec := NewReconciler(h.provider, h.dir, Config{BaseURL: "https://app.example.com"})
		_, err := rec.CreateUpgradeSession(ctx, h.ws, "owner@example.com")
		assert.Equal(t, errs.KindNotConfigured, errs.KindOf(err))
		assert.Empty(t, h.provider.created)
	})

	t.Run("provider failure", func(t *testing.T) {
		h := newHarness(t)
		h.provider.fail = errs.ExternalProvider(errors.New("boom"), "payment provider request failed")
		_, err := h.rec.CreateUpgradeSession(ctx, h.ws, "owner@example.com")
		assert.Equal(t, errs.KindExternalProvider, errs.KindOf(err))
	})
}

func TestCreatePortalSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.rec.CreatePortalSession(ctx, h.ws)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	h.makePro(t, "cus_1")
	session, err := h.rec.CreatePortalSession(ctx, h.workspace(t))
	require.NoError(t, err)
	assert.Equal(t, "https://billing.example.com/cus_1", session.URL)
	assert.Equal(t, []string{"https://app.example.com/workspace/" + itoa(h.ws.ID) + "/settings"}, h.provider.portal)
}

func TestHandleSuccessfulPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrades once", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_1")

		id, err := h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, h.ws.ID, id)

		ws := h.workspace(t)
		assert.Equal(t, storage.PlanPro, ws.Plan)
		require.NotNil(t, ws.BillingCustomerID)
		assert.Equal(t, "cus_1", *ws.BillingCustomerID)
		require.NotNil(t, ws.UpgradedAt)
		assert.Equal(t, h.clock, *ws.UpgradedAt)

		h.clock = h.clock.Add(time.Hour)
		again, err := h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, id, again)
		assert.Equal(t, ws.UpdatedAt, h.workspace(t).UpdatedAt, "replay must not touch the workspace")

		assert.Equal(t, []transitionRecord{{"free", "pro", SourceCheckout}}, h.recorder.transitions)
	})

	t.Run("replay after cancellation stays free", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_1")

		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		require.NoError(t, err)
		require.Equal(t, storage.PlanPro, h.workspace(t).Plan)

		h.clock = h.clock.Add(time.Hour)
		payload := h.event("deleted", &Event{ID: "evt_del", Type: EventSubscriptionDeleted, Data: SubscriptionDeleted{CustomerID: "cus_1"}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)

		h.clock = h.clock.Add(time.Hour)
		id, err := h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, h.ws.ID, id)
		assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)
		assert.Equal(t, []transitionRecord{
			{"free", "pro", SourceCheckout},
			{"pro", "free", SourceWebhook},
		}, h.recorder.transitions)
	})

	t.Run("webhook and redirect apply the session once", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_1")

		payload := h.event("completed", &Event{ID: "evt_cs", Type: EventCheckoutCompleted, Data: CheckoutCompleted{SessionID: "cs_1"}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)

		_, err = h.rec.SetPlan(ctx, h.ws.ID, storage.PlanFree)
		require.NoError(t, err)

		_, err = h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)

		seen, err := h.dir.HasBillingEvent(ctx, "checkout:cs_1")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("unpaid session", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_open", itoa(h.ws.ID), "cus_1")
		h.provider.sessions["cs_open"].PaymentStatus = "unpaid"

		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_open")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)
	})

	t.Run("incomplete session", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_open", itoa(h.ws.ID), "cus_1")
		h.provider.sessions["cs_open"].Status = "open"

		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_open")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("missing metadata", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_bare", "", "cus_1")

		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_bare")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("unknown workspace", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_ghost", "9999", "cus_1")

		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_ghost")
		assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	})

	t.Run("empty session id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.rec.HandleSuccessfulPayment(ctx, "")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		assert.Zero(t, h.provider.retrieved)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.provider.fail = errs.ExternalProvider(errors.New("timeout"), "payment provider request failed")
		_, err := h.rec.HandleSuccessfulPayment(ctx, "cs_1")
		assert.Equal(t, errs.KindExternalProvider, errs.KindOf(err))
	})
}

func TestHandleWebhook_Replay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.makePro(t, "cus_1")
	h.recorder.transitions = nil

	payload := h.event("deleted-1", &Event{
		ID:   "evt_1",
		Type: EventSubscriptionDeleted,
		Data: SubscriptionDeleted{CustomerID: "cus_1"},
	})

	const deliveries = 5
	outcomes := map[Outcome]int{}
	for i := 0; i < deliveries; i++ {
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		outcomes[outcome]++
	}

	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.Equal(t, deliveries-1, outcomes[OutcomeDuplicate])
	assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)
	assert.Equal(t, []transitionRecord{{"pro", "free", SourceWebhook}}, h.recorder.transitions)
}

func TestHandleWebhook_DuplicateAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.makePro(t, "cus_1")

	payload := h.event("failed-1", &Event{
		ID:   "evt_pf",
		Type: EventPaymentFailed,
		Data: PaymentFailed{CustomerID: "cus_1"},
	})
	outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	// a fresh reconciler has an empty cache and must consult the ledger
	fresh := NewReconciler(h.provider, h.dir, Config{PriceID: "price_pro"})
	outcome, err = fresh.HandleWebhook(ctx, payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestHandleWebhook_ConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_1")
	payload := h.event("checkout-1", &Event{
		ID:   "evt_cs",
		Type: EventCheckoutCompleted,
		Data: CheckoutCompleted{SessionID: "cs_1"},
	})

	const n = 8
	var wg sync.WaitGroup
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
			if assert.NoError(t, err) {
				results <- outcome
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[Outcome]int{}
	for o := range results {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeApplied])
	assert.Equal(t, n-1, counts[OutcomeDuplicate])
	assert.Len(t, h.recorder.transitions, 1)
	assert.Equal(t, storage.PlanPro, h.workspace(t).Plan)
}

func TestHandleWebhook_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("checkout completed upgrades", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_9")
		payload := h.event("p", &Event{ID: "evt_1", Type: EventCheckoutCompleted, Data: CheckoutCompleted{SessionID: "cs_1"}})

		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		ws := h.workspace(t)
		assert.Equal(t, storage.PlanPro, ws.Plan)
		assert.Equal(t, "cus_9", *ws.BillingCustomerID)
	})

	t.Run("checkout not yet paid is recorded without effect", func(t *testing.T) {
		h := newHarness(t)
		h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_9")
		h.provider.sessions["cs_1"].PaymentStatus = "unpaid"
		payload := h.event("p", &Event{ID: "evt_1", Type: EventCheckoutCompleted, Data: CheckoutCompleted{SessionID: "cs_1"}})

		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)

		seen, err := h.dir.HasBillingEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("subscription created upgrades by customer", func(t *testing.T) {
		h := newHarness(t)
		h.makePro(t, "cus_1")
		_, err := h.rec.SetPlan(ctx, h.ws.ID, storage.PlanFree)
		require.NoError(t, err)

		h.provider.subs["sub_1"] = &Subscription{ID: "sub_1", Status: SubscriptionStatusActive, CustomerID: "cus_1"}
		payload := h.event("p", &Event{ID: "evt_2", Type: EventSubscriptionCreated, Data: SubscriptionCreated{SubscriptionID: "sub_1", CustomerID: "cus_1"}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, storage.PlanPro, h.workspace(t).Plan)
	})

	t.Run("created delivered after deleted does not resurrect pro", func(t *testing.T) {
		h := newHarness(t)
		h.makePro(t, "cus_1")
		h.provider.subs["sub_1"] = &Subscription{ID: "sub_1", Status: "canceled", CustomerID: "cus_1"}

		deleted := h.event("deleted", &Event{ID: "evt_del", Type: EventSubscriptionDeleted, Data: SubscriptionDeleted{CustomerID: "cus_1"}})
		outcome, err := h.rec.HandleWebhook(ctx, deleted, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		late := h.event("created", &Event{ID: "evt_new", Type: EventSubscriptionCreated, Data: SubscriptionCreated{SubscriptionID: "sub_1", CustomerID: "cus_1"}})
		outcome, err = h.rec.HandleWebhook(ctx, late, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)

		seen, err := h.dir.HasBillingEvent(ctx, "evt_new")
		require.NoError(t, err)
		assert.True(t, seen, "a stale event is still recorded")
	})

	t.Run("deleted on a free workspace leaves it untouched", func(t *testing.T) {
		h := newHarness(t)
		h.makePro(t, "cus_1")
		_, err := h.rec.SetPlan(ctx, h.ws.ID, storage.PlanFree)
		require.NoError(t, err)
		before := h.workspace(t)

		h.clock = h.clock.Add(time.Hour)
		payload := h.event("p", &Event{ID: "evt_3", Type: EventSubscriptionDeleted, Data: SubscriptionDeleted{CustomerID: "cus_1"}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, before.UpdatedAt, h.workspace(t).UpdatedAt)
	})

	t.Run("unknown customer is a no-op", func(t *testing.T) {
		h := newHarness(t)
		payload := h.event("p", &Event{ID: "evt_4", Type: EventPaymentFailed, Data: PaymentFailed{CustomerID: "cus_nobody"}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
	})

	t.Run("ignored type is not recorded", func(t *testing.T) {
		h := newHarness(t)
		payload := h.event("p", &Event{ID: "evt_5", Type: "customer.updated", Data: Ignored{}})
		outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)

		seen, err := h.dir.HasBillingEvent(ctx, "evt_5")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func TestHandleWebhook_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	payload := h.event("p", &Event{ID: "evt_1", Type: EventPaymentFailed, Data: PaymentFailed{CustomerID: "cus_1"}})

	_, err := h.rec.HandleWebhook(ctx, payload, "forged")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, 1, h.recorder.webhooks["rejected"])

	seen, err := h.dir.HasBillingEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "rejected deliveries must not reach the ledger")
}

func TestHandleWebhook_ProviderFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.paidSession("cs_1", itoa(h.ws.ID), "cus_1")
	payload := h.event("p", &Event{ID: "evt_1", Type: EventCheckoutCompleted, Data: CheckoutCompleted{SessionID: "cs_1"}})

	h.provider.fail = errs.ExternalProvider(errors.New("timeout"), "payment provider request failed")
	_, err := h.rec.HandleWebhook(ctx, payload, "valid")
	require.Error(t, err)

	h.provider.fail = nil
	outcome, err := h.rec.HandleWebhook(ctx, payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "failed delivery must not be marked as seen")
}

func TestSetPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ws, err := h.rec.SetPlan(ctx, h.ws.ID, storage.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, storage.PlanPro, ws.Plan)

	_, err = h.rec.SetPlan(ctx, h.ws.ID, storage.PlanPro)
	require.NoError(t, err)
	assert.Len(t, h.recorder.transitions, 1, "same plan is not a transition")

	_, err = h.rec.SetPlan(ctx, h.ws.ID, "enterprise")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = h.rec.SetPlan(ctx, 9999, storage.PlanFree)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

// failingPlanDirectory fails every plan write with planErr while it is set
type failingPlanDirectory struct {
	*storage.MemoryDirectory
	mu      sync.Mutex
	planErr error
}

func (d *failingPlanDirectory) setPlanErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.planErr = err
}

func (d *failingPlanDirectory) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return d.MemoryDirectory.InTx(ctx, func(tx storage.Tx) error {
		return fn(&failingPlanTx{Tx: tx, dir: d})
	})
}

type failingPlanTx struct {
	storage.Tx
	dir *failingPlanDirectory
}

func (t *failingPlanTx) SetWorkspacePlan(ctx context.Context, id int64, change storage.PlanChange) error {
	t.dir.mu.Lock()
	err := t.dir.planErr
	t.dir.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Tx.SetWorkspacePlan(ctx, id, change)
}

func TestHandleWebhook_PersistenceFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.makePro(t, "cus_1")

	dir := &failingPlanDirectory{MemoryDirectory: h.dir}
	dir.setPlanErr(errors.New("disk full"))
	logger, hook := test.NewNullLogger()
	rec := NewReconciler(h.provider, dir, Config{PriceID: "price_pro"},
		WithLogger(logger),
		WithClock(func() time.Time { return h.clock }),
	)
	payload := h.event("deleted-1", &Event{
		ID:   "evt_del",
		Type: EventSubscriptionDeleted,
		Data: SubscriptionDeleted{CustomerID: "cus_1"},
	})

	_, err := rec.HandleWebhook(ctx, payload, "valid")
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
	assert.NotNil(t, hook.LastEntry())

	seen, err := h.dir.HasBillingEvent(ctx, "evt_del")
	require.NoError(t, err)
	assert.False(t, seen, "ledger insert must roll back with the failed transition")
	assert.Equal(t, storage.PlanPro, h.workspace(t).Plan)

	dir.setPlanErr(nil)
	outcome, err := rec.HandleWebhook(ctx, payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, storage.PlanFree, h.workspace(t).Plan)

	seen, err = h.dir.HasBillingEvent(ctx, "evt_del")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPlanChangesAreAudited(t *testing.T) {
	h := newHarness(t)
	admin := contextkeys.WithUser(context.Background(), &storage.User{ID: 42, IsSuperadmin: true})

	_, err := h.rec.SetPlan(admin, h.ws.ID, storage.PlanPro)
	require.NoError(t, err)
	_, err = h.rec.SetPlan(admin, h.ws.ID, storage.PlanPro)
	require.NoError(t, err)

	customer := "cus_1"
	require.NoError(t, h.dir.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.SetWorkspacePlan(context.Background(), h.ws.ID, storage.PlanChange{
			Plan:              storage.PlanPro,
			BillingCustomerID: &customer,
			UpdatedAt:         h.clock,
		})
	}))
	payload := h.event("deleted", &Event{ID: "evt_del", Type: EventSubscriptionDeleted, Data: SubscriptionDeleted{CustomerID: customer}})
	_, err = h.rec.HandleWebhook(context.Background(), payload, "valid")
	require.NoError(t, err)

	entries, total, err := h.dir.ListAuditEntries(context.Background(), h.ws.ID, storage.Page{})
	require.NoError(t, err)
	require.Equal(t, 2, total, "a same-plan request is not audited")

	assert.Equal(t, storage.AuditPlanChanged, entries[0].Action)
	assert.Equal(t, "pro -> free (webhook)", entries[0].Detail)
	assert.Nil(t, entries[0].ActorID)

	assert.Equal(t, "free -> pro (admin)", entries[1].Detail)
	require.NotNil(t, entries[1].ActorID)
	assert.Equal(t, int64(42), *entries[1].ActorID)
	assert.Equal(t, h.clock, entries[1].CreatedAt)
}
