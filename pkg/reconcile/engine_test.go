package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/ledger/ledgertest"
	"github.com/ava-labs/ledger-sync/pkg/program/discount"
)

func pubkey(b byte) discount.Pubkey {
	var k discount.Pubkey
	for i := range k {
		k[i] = b
	}
	return k
}

type env struct {
	stub       *ledgertest.Stub
	promotions *MemorySource
	coupons    *MemorySource
	engine     *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		stub:       &ledgertest.Stub{},
		promotions: NewMemorySource(),
		coupons:    NewMemorySource(),
	}
	engine, err := NewEngine(zaptest.NewLogger(t).Sugar(), Config{RecentWindow: time.Hour, Concurrency: 2}, e.stub, []EntityType{
		{
			Name:   discount.EntityPromotion,
			Source: e.promotions,
			Fields: []string{discount.FieldCurrentSupply, discount.FieldIsActive},
			Decode: discount.PromotionFields,
		},
		{
			Name:   discount.EntityCoupon,
			Source: e.coupons,
			Fields: []string{discount.FieldOwner, discount.FieldIsRedeemed},
			Decode: discount.CouponFields,
		},
	}, nil)
	require.NoError(t, err)
	e.engine = engine
	return e
}

func (e *env) promotionOnLedger(address string, supply uint32, active bool) {
	e.stub.SetAccount(ledger.Account{
		Address: address,
		Data:    discount.EncodePromotion(discount.Promotion{CurrentSupply: supply, IsActive: active, Category: "food"}),
	})
}

func (e *env) couponOnLedger(address string, owner discount.Pubkey, redeemed bool) {
	e.stub.SetAccount(ledger.Account{
		Address: address,
		Data:    discount.EncodeCoupon(discount.Coupon{Owner: owner, IsRedeemed: redeemed}),
	})
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	valid := EntityType{Name: "promotion", Source: NewMemorySource(), Fields: []string{"x"}, Decode: discount.PromotionFields}

	_, err := NewEngine(log, DefaultConfig(), &ledgertest.Stub{}, nil, nil)
	require.EqualError(t, err, "invalid entity types: must not be empty")

	_, err = NewEngine(log, DefaultConfig(), &ledgertest.Stub{}, []EntityType{valid, valid}, nil)
	require.EqualError(t, err, `duplicate entity type "promotion"`)

	_, err = NewEngine(log, DefaultConfig(), &ledgertest.Stub{}, []EntityType{{Name: "coupon"}}, nil)
	require.Error(t, err)

	_, err = NewEngine(log, Config{RecentWindow: time.Hour}, &ledgertest.Stub{}, []EntityType{valid}, nil)
	require.EqualError(t, err, "invalid concurrency: must be greater than 0")
}

func TestReconcileRecent_Converges(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	now := time.Now()
	e.promotions.Put(Record{
		Address:     "promo1",
		Fields:      map[string]any{discount.FieldCurrentSupply: int32(3), discount.FieldIsActive: true},
		ProjectedAt: now.Add(-10 * time.Minute),
	})
	e.promotionOnLedger("promo1", 5, false)

	owner := pubkey(9)
	e.coupons.Put(Record{
		Address:     "coupon1",
		Fields:      map[string]any{discount.FieldOwner: pubkey(1).String(), discount.FieldIsRedeemed: false},
		ProjectedAt: now.Add(-time.Minute),
	})
	e.couponOnLedger("coupon1", owner, true)

	report, err := e.engine.ReconcileRecent(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Corrected)

	promo, _ := e.promotions.Get("promo1")
	assert.Equal(t, int64(5), promo.Fields[discount.FieldCurrentSupply])
	assert.Equal(t, false, promo.Fields[discount.FieldIsActive])
	assert.False(t, promo.ReconciledAt.IsZero())

	coupon, _ := e.coupons.Get("coupon1")
	assert.Equal(t, owner.String(), coupon.Fields[discount.FieldOwner])
	assert.Equal(t, true, coupon.Fields[discount.FieldIsRedeemed])

	// A second pass finds nothing to correct.
	report, err = e.engine.ReconcileRecent(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.InSync)
	assert.Equal(t, 2, e.promotions.Corrections()+e.coupons.Corrections())
}

func TestReconcile_IntegerWidthsCompareEqual(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{
		Address:     "promo1",
		Fields:      map[string]any{discount.FieldCurrentSupply: int32(7), discount.FieldIsActive: true},
		ProjectedAt: time.Now(),
	})
	e.promotionOnLedger("promo1", 7, true)

	report, err := e.engine.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.InSync)
	assert.Zero(t, e.promotions.Corrections())
}

func TestReconcileRecent_OrphansRolledBackEntities(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{
		Address:     "gone",
		Fields:      map[string]any{discount.FieldCurrentSupply: int64(1), discount.FieldIsActive: true},
		ProjectedAt: time.Now(),
	})

	report, err := e.engine.ReconcileRecent(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)

	rec, _ := e.promotions.Get("gone")
	assert.True(t, rec.Orphaned)
	assert.Equal(t, ReasonBlockReorg, rec.OrphanReason)
	assert.False(t, rec.OrphanedAt.IsZero())

	// Later passes leave the orphan alone, even if the account reappears.
	e.promotionOnLedger("gone", 9, false)
	for range 2 {
		_, err = e.engine.ReconcileRecent(t.Context(), time.Hour)
		require.NoError(t, err)
		_, err = e.engine.ReconcileAll(t.Context())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.stub.AccountReads("gone"))
	rec, _ = e.promotions.Get("gone")
	assert.Equal(t, int64(1), rec.Fields[discount.FieldCurrentSupply])
	assert.Zero(t, e.promotions.Corrections())
}

func TestReconcileRecent_RespectsWindow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{Address: "old", Fields: map[string]any{}, ProjectedAt: time.Now().Add(-3 * time.Hour)})
	e.promotions.Put(Record{Address: "pending", Fields: map[string]any{}, ProjectedAt: time.Now()})

	report, err := e.engine.ReconcileRecent(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, e.stub.AccountReads("old"))
	assert.Zero(t, e.stub.AccountReads("pending"))
}

func TestReconcileAll_OrphanReason(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.coupons.Put(Record{Address: "c1", Fields: map[string]any{discount.FieldIsRedeemed: false}, ProjectedAt: time.Now().Add(-48 * time.Hour)})

	report, err := e.engine.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	rec, _ := e.coupons.Get("c1")
	assert.Equal(t, ReasonAccountNotFound, rec.OrphanReason)
}

func TestCleanupOrphaned_OnlyChecksExistence(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{Address: "drifted", Fields: map[string]any{discount.FieldCurrentSupply: int64(1)}})
	e.promotions.Put(Record{Address: "missing", Fields: map[string]any{}})
	e.promotionOnLedger("drifted", 50, true)

	report, err := e.engine.CleanupOrphaned(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.InSync)
	assert.Equal(t, 1, report.Orphaned)
	assert.Zero(t, e.promotions.Corrections())

	rec, _ := e.promotions.Get("missing")
	assert.True(t, rec.Orphaned)
}

func TestReconcile_ReadErrorsAreCounted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{Address: "p1", Fields: map[string]any{}, ProjectedAt: time.Now()})
	e.promotions.Put(Record{Address: "p2", Fields: map[string]any{}, ProjectedAt: time.Now()})
	e.stub.AccountErr = errors.New("rate limited")

	report, err := e.engine.ReconcileRecent(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)

	rec, _ := e.promotions.Get("p1")
	assert.False(t, rec.Orphaned)
}

func TestReconcile_UndecodableAccountFails(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{Address: "p1", Fields: map[string]any{}, ProjectedAt: time.Now()})
	e.stub.SetAccount(ledger.Account{Address: "p1", Data: []byte{1, 2, 3}})

	report, err := e.engine.ReconcileRecent(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestSyncEntity(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{Address: "p1", Fields: map[string]any{discount.FieldCurrentSupply: int64(0), discount.FieldIsActive: true}})
	e.promotionOnLedger("p1", 2, true)

	outcome, err := e.engine.SyncEntity(t.Context(), discount.EntityPromotion, "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorrected, outcome)

	outcome, err = e.engine.SyncEntity(t.Context(), discount.EntityPromotion, "unknown")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	_, err = e.engine.SyncEntity(t.Context(), "merchant", "m1")
	require.EqualError(t, err, `unknown entity type "merchant"`)
}

func TestHandlePotentialReorg(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	promo := pubkey(1)
	e.promotions.Put(Record{
		Address: promo.String(),
		Fields:  map[string]any{discount.FieldCurrentSupply: int64(0), discount.FieldIsActive: true},
	})

	n := bus.Notification{
		Signal: bus.SignalPotentialReorg,
		Event: &bus.Event{
			Kind: discount.PromotionCreated,
			Name: "PromotionCreated",
			Data: discount.PromotionCreatedEvent{Promotion: promo, Merchant: pubkey(2)},
			TxID: "abc",
		},
	}
	require.NoError(t, e.engine.HandlePotentialReorg(t.Context(), n))

	// The promotion account is gone, so the reorg removed it.
	rec, _ := e.promotions.Get(promo.String())
	assert.True(t, rec.Orphaned)
	assert.Equal(t, ReasonBlockReorg, rec.OrphanReason)

	// Events without entity references are ignored.
	require.NoError(t, e.engine.HandlePotentialReorg(t.Context(), bus.Notification{
		Signal: bus.SignalPotentialReorg,
		Event:  &bus.Event{Name: "CommentLiked", Data: discount.RawEvent{}},
	}))
}

func TestScheduler_RunsRecentPasses(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.promotions.Put(Record{
		Address:     "p1",
		Fields:      map[string]any{discount.FieldCurrentSupply: int64(0), discount.FieldIsActive: true},
		ProjectedAt: time.Now(),
	})
	e.promotionOnLedger("p1", 4, true)

	s, err := NewScheduler(zaptest.NewLogger(t).Sugar(), e.engine, SchedulerConfig{
		Interval:    5 * time.Millisecond,
		Window:      time.Hour,
		PassTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, _ := e.promotions.Get("p1")
		return rec.Fields[discount.FieldCurrentSupply] == int64(4)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scheduler to stop")
	}
}

func TestScheduler_FullSweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.coupons.Put(Record{Address: "c1", Fields: map[string]any{discount.FieldIsRedeemed: false}})
	e.couponOnLedger("c1", pubkey(3), true)
	e.coupons.Put(Record{Address: "c2", Fields: map[string]any{}})

	s, err := NewScheduler(zaptest.NewLogger(t).Sugar(), e.engine, DefaultSchedulerConfig())
	require.NoError(t, err)
	require.NoError(t, s.FullSweep(t.Context()))

	c1, _ := e.coupons.Get("c1")
	assert.Equal(t, true, c1.Fields[discount.FieldIsRedeemed])
	c2, _ := e.coupons.Get("c2")
	assert.True(t, c2.Orphaned)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	cfg := DefaultSchedulerConfig()
	cfg.FullSweepSpec = "not a spec"
	s, err := NewScheduler(zaptest.NewLogger(t).Sugar(), e.engine, cfg)
	require.NoError(t, err)
	require.ErrorContains(t, s.Run(t.Context()), "invalid full sweep schedule")
}
