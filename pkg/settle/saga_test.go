package settle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"carelane/pkg/contract"
	"carelane/pkg/directory"
	"carelane/pkg/domain"
	"carelane/pkg/ledger"
	"carelane/pkg/money"
	"carelane/pkg/respond"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

func testParty(t *testing.T, name string) (domain.Party, *signature.KeyPair) {
	t.Helper()
	kp, err := signature.FromSeed("seed-" + name)
	if err != nil {
		t.Fatalf("derive keys for %s: %v", name, err)
	}
	return domain.Party{Name: name, Key: kp.PublicKeyB64()}, kp
}

type fixture struct {
	notary  *ledger.Notary
	network *session.InProcNetwork

	hospital     domain.Party
	hospitalKeys *signature.KeyPair
	insurer      domain.Party
	insurerKeys  *signature.KeyPair
	bank         domain.Party
	bankKeys     *signature.KeyPair

	bankNode *respond.Bank
	saga     *Saga

	collectCalls atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		notary:  ledger.NewNotary(nil),
		network: session.NewInProcNetwork(),
	}
	f.hospital, f.hospitalKeys = testParty(t, "St Mary's Hospital")
	f.insurer, f.insurerKeys = testParty(t, "Bupa")
	f.bank, f.bankKeys = testParty(t, "Monzo")

	insurerNode := &respond.Insurer{
		Self:   f.insurer,
		Keys:   f.insurerKeys,
		Ledger: f.notary,
		Policy: respond.PercentagePolicy{CoverPercent: 70},
		Log:    zap.NewNop(),
	}
	f.network.Handle(f.insurer.Name, session.ExchangeFinalise, insurerNode.HandleFinalise)
	f.network.Handle(f.insurer.Name, session.ExchangeCollectInsurer,
		func(ctx context.Context, peer string, s session.Session) error {
			f.collectCalls.Add(1)
			return insurerNode.HandleCollect(ctx, peer, s)
		})

	f.bankNode = respond.NewBank(f.bank, f.bankKeys, f.notary, zap.NewNop())

	f.saga = &Saga{
		Hospital:  f.hospital,
		BankName:  f.bank.Name,
		Directory: directory.NewStatic(f.hospital, f.insurer, f.bank),
		Keys:      f.hospitalKeys,
		Ledger:    f.notary,
		Dial:      f.network.DialerFor(f.hospital.Name),
		Timeout:   2 * time.Second,
		Log:       zap.NewNop(),
	}
	return f
}

func (f *fixture) registerBank() {
	f.network.Handle(f.bank.Name, session.ExchangeCollectPatient, f.bankNode.HandleCollect)
}

// quoted commits ESTIMATED and QUOTED versions directly, signing with
// both parties' keys, and returns the quoted record.
func (f *fixture) quoted(t *testing.T, estimated, covered money.Amount) domain.TreatmentRecord {
	t.Helper()
	ctx := context.Background()
	treatment := domain.Treatment{
		Patient:     domain.Patient{Name: "Alice Bell", NINO: "QQ123456A"},
		Description: "knee reconstruction",
		Hospital:    f.hospital,
	}
	prop, err := contract.BuildEstimate(treatment, estimated)
	if err != nil {
		t.Fatalf("BuildEstimate: %v", err)
	}
	tx, err := ledger.SignedTransition(prop, f.hospitalKeys)
	if err != nil {
		t.Fatalf("sign estimate: %v", err)
	}
	if _, err := f.notary.Submit(ctx, tx); err != nil {
		t.Fatalf("submit estimate: %v", err)
	}

	quote := domain.InsurerQuote{Insurer: f.insurer, MaxCoveredValue: covered}
	qprop, err := contract.BuildQuote(prop.Output(), quote)
	if err != nil {
		t.Fatalf("BuildQuote: %v", err)
	}
	hash, err := (ledger.Transition{Proposal: qprop}).Hash()
	if err != nil {
		t.Fatalf("hash quote: %v", err)
	}
	insurerEnv, err := signature.Sign(hash, f.insurerKeys)
	if err != nil {
		t.Fatalf("insurer sign: %v", err)
	}
	qtx, err := ledger.SignedTransition(qprop, f.hospitalKeys, insurerEnv)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	if _, err := f.notary.Submit(ctx, qtx); err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	return qprop.Output()
}

func TestSettleWithShortfall(t *testing.T) {
	f := newFixture(t)
	f.registerBank()
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	final, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if final.Status != domain.StatusFullyPaid {
		t.Fatalf("status = %s, want %s", final.Status, domain.StatusFullyPaid)
	}
	if final.Version != 5 {
		t.Fatalf("version = %d, want 5 (quote, finalise, two collections)", final.Version)
	}
	if !final.AmountPaid.Equal(money.GBP(100_000)) {
		t.Fatalf("amount paid = %s, want %s", final.AmountPaid, money.GBP(100_000))
	}

	history := f.bankNode.PaymentHistory("QQ123456A")
	if len(history) != 1 || !history[0].Equal(money.GBP(30_000)) {
		t.Fatalf("bank debited %v, want one debit of %s", history, money.GBP(30_000))
	}
}

func TestSettleFullCoverSkipsPatient(t *testing.T) {
	f := newFixture(t)
	// No bank handler registered: reaching the patient step would fail.
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	final, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(60_000))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if final.Status != domain.StatusFullyPaid {
		t.Fatalf("status = %s, want %s", final.Status, domain.StatusFullyPaid)
	}
	if final.Version != 4 {
		t.Fatalf("version = %d, want 4 (no patient collection)", final.Version)
	}
	if !final.AmountPaid.Equal(money.GBP(60_000)) {
		t.Fatalf("amount paid = %s, want full actual cost %s", final.AmountPaid, money.GBP(60_000))
	}
	if len(f.bankNode.PaymentHistory("QQ123456A")) != 0 {
		t.Fatal("patient was debited despite full insurer cover")
	}
}

func TestSettleResumesAfterBankOutage(t *testing.T) {
	f := newFixture(t)
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	// Bank offline: the saga completes the insurer steps then fails.
	_, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if !errors.Is(err, session.ErrPeerUnavailable) {
		t.Fatalf("err = %v, want ErrPeerUnavailable", err)
	}
	mid, err := f.notary.QueryByIdentity(context.Background(), rec.RecordID)
	if err != nil {
		t.Fatalf("QueryByIdentity: %v", err)
	}
	if mid.Status != domain.StatusPartiallyPaid {
		t.Fatalf("status = %s, want %s after insurer collection", mid.Status, domain.StatusPartiallyPaid)
	}

	// Bank back: the retry picks up from the committed version and does
	// not re-run the insurer collection.
	f.registerBank()
	final, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if err != nil {
		t.Fatalf("Settle retry: %v", err)
	}
	if final.Status != domain.StatusFullyPaid {
		t.Fatalf("status = %s, want %s", final.Status, domain.StatusFullyPaid)
	}
	if got := f.collectCalls.Load(); got != 1 {
		t.Fatalf("insurer collection ran %d times, want 1", got)
	}
}

func TestSettleIsIdempotentWhenFullyPaid(t *testing.T) {
	f := newFixture(t)
	f.registerBank()
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	first, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	again, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if err != nil {
		t.Fatalf("repeat Settle: %v", err)
	}
	if again.Version != first.Version {
		t.Fatalf("repeat settlement advanced the record to v%d", again.Version)
	}
	if len(f.bankNode.PaymentHistory("QQ123456A")) != 1 {
		t.Fatal("patient was debited twice")
	}
}

func TestSettleRejectsInvalidCostBeforeAnySession(t *testing.T) {
	f := newFixture(t)
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	var dials atomic.Int64
	inner := f.saga.Dial
	f.saga.Dial = func(ctx context.Context, peer domain.Party, exchange string) (session.Session, error) {
		dials.Add(1)
		return inner(ctx, peer, exchange)
	}

	_, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(0))
	var violation *contract.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want contract violation", err)
	}
	if got := dials.Load(); got != 0 {
		t.Fatalf("%d sessions opened for a transition that fails locally", got)
	}
}

func TestSettleRequiresQuote(t *testing.T) {
	f := newFixture(t)
	treatment := domain.Treatment{
		Patient:     domain.Patient{Name: "Alice Bell", NINO: "QQ123456A"},
		Description: "knee reconstruction",
		Hospital:    f.hospital,
	}
	prop, err := contract.BuildEstimate(treatment, money.GBP(100_000))
	if err != nil {
		t.Fatalf("BuildEstimate: %v", err)
	}
	tx, err := ledger.SignedTransition(prop, f.hospitalKeys)
	if err != nil {
		t.Fatalf("sign estimate: %v", err)
	}
	if _, err := f.notary.Submit(context.Background(), tx); err != nil {
		t.Fatalf("submit estimate: %v", err)
	}

	if _, err := f.saga.Settle(context.Background(), prop.Output().RecordID, money.GBP(90_000)); err == nil {
		t.Fatal("settled a record that was never quoted")
	}
}

func TestSettleRejectsForeignHospitalRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))

	other, otherKeys := testParty(t, "St Thomas' Hospital")
	f.saga.Hospital = other
	f.saga.Keys = otherKeys
	if _, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000)); !errors.Is(err, session.ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
}

func TestSettleSurfacesIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	// An imposter answers on the insurer's address.
	imposterParty, imposterKeys := testParty(t, "Imposter Assurance")
	imposter := &respond.Insurer{
		Self:   imposterParty,
		Keys:   imposterKeys,
		Ledger: f.notary,
		Policy: respond.PercentagePolicy{CoverPercent: 70},
		Log:    zap.NewNop(),
	}
	f.network.Handle(f.insurer.Name, session.ExchangeFinalise, imposter.HandleFinalise)

	rec := f.quoted(t, money.GBP(100_000), money.GBP(70_000))
	_, err := f.saga.Settle(context.Background(), rec.RecordID, money.GBP(100_000))
	if !errors.Is(err, session.ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
}
