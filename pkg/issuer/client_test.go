package issuer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/breaker"
	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

func testRecord() models.SettlementRecord {
	return models.SettlementRecord{
		OptimisticTxID: "tx-1",
		UserID:         "u-1",
		EntityType:     "transfer",
		EntityID:       "plan-1",
		DeltaCents:     -5_000,
	}
}

func TestSubmitSuccess(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	br := breaker.New("issuer", 2, time.Second)
	c := New(srv.URL, br)
	if err := c.Submit(context.Background(), testRecord()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.TxID != "tx-1" || got.AmountCents != -5_000 {
		t.Fatalf("unexpected submit payload: %+v", got)
	}
	if br.State() != breaker.Closed {
		t.Fatalf("success should keep the breaker closed")
	}
}

func TestSubmitFailuresTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	br := breaker.New("issuer", 2, time.Minute)
	c := New(srv.URL, br)
	c.Retries = 0
	for i := 0; i < 2; i++ {
		if err := c.Submit(context.Background(), testRecord()); err == nil {
			t.Fatalf("expected submit failure")
		}
	}
	if br.State() != breaker.Open {
		t.Fatalf("repeated failures should open the breaker, got %s", br.State())
	}
	// With the circuit open the client refuses without calling upstream.
	if err := c.Submit(context.Background(), testRecord()); err == nil {
		t.Fatalf("open breaker should reject submissions")
	}
}

func TestConfirmedStatuses(t *testing.T) {
	status := "pending"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/tx-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(statusResponse{Status: status})
	}))
	defer srv.Close()

	c := New(srv.URL, breaker.New("issuer", 2, time.Second))
	ok, err := c.Confirmed(context.Background(), "tx-1")
	if err != nil || ok {
		t.Fatalf("pending should not confirm: ok=%v err=%v", ok, err)
	}
	status = "confirmed"
	if ok, err = c.Confirmed(context.Background(), "tx-1"); err != nil || !ok {
		t.Fatalf("confirmed status: ok=%v err=%v", ok, err)
	}
	status = "settled"
	if ok, err = c.Confirmed(context.Background(), "tx-1"); err != nil || !ok {
		t.Fatalf("settled status: ok=%v err=%v", ok, err)
	}
}
