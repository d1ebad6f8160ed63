package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/credits-server/internal/catalog"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/internal/provider"
)

const testCatalogYAML = `
packages:
  - id: starter
    name: Starter Pack
    credits: 100
    price_cents: 2000
    currency: usd
    active: true
`

type stubProvider struct{}

func (stubProvider) Name() string { return "stripe" }

func (stubProvider) CreateCheckout(context.Context, provider.CheckoutInput) (*provider.CheckoutSession, error) {
	return &provider.CheckoutSession{SessionID: "cs_stub", URL: "https://checkout.test/cs_stub"}, nil
}

func (stubProvider) VerifySession(_ context.Context, sessionID string) (*provider.SessionStatus, error) {
	return &provider.SessionStatus{SessionID: sessionID}, nil
}

func TestSweepsRunAndStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	lm := ledger.NewManager(ledger.NewMemoryStore())
	tracker := payments.NewTracker(payments.NewMemoryStore(), time.Millisecond)
	loader := catalog.NewLoader(path, time.Minute)
	correlator := events.NewCorrelator(lm, tracker, loader, stubProvider{}, nil)

	// A pending payment that expires immediately.
	p, err := tracker.CreatePending(context.Background(), payments.CreateInput{
		UserID:            "user-1",
		Provider:          "stripe",
		ProviderSessionID: "cs_stub",
		ItemKind:          "package",
		ItemID:            "starter",
		Credits:           100,
		AmountCents:       2000,
		Currency:          "usd",
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	r := New(tracker, correlator, nil, zerolog.Nop(), 10*time.Millisecond, 10*time.Millisecond)
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := tracker.Get(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("get payment: %v", err)
		}
		if got.Status == payments.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("payment never expired, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop must return promptly with both sweeps shut down.
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
