package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func asResponse(status int, expiresAt time.Time, autoRenew, billingRetry bool) string {
	body, _ := json.Marshal(map[string]any{
		"status":      status,
		"environment": "Production",
		"latest_receipt_info": []map[string]any{
			{
				"product_id":              "premium_monthly",
				"transaction_id":          "2000000123",
				"original_transaction_id": "2000000100",
				"expires_date_ms":         strconv.FormatInt(expiresAt.UnixMilli(), 10),
			},
		},
		"pending_renewal_info": []map[string]any{
			{
				"product_id":                 "premium_monthly",
				"auto_renew_status":          boolFlag(autoRenew),
				"is_in_billing_retry_period": boolFlag(billingRetry),
			},
		},
	})
	return string(body)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func TestAppStoreValidateConfirmed(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["password"] != "shared-secret" {
			t.Errorf("expected shared secret in request, got %v", req["password"])
		}
		_, _ = w.Write([]byte(asResponse(0, expiry, true, false)))
	}))
	t.Cleanup(srv.Close)

	client := &AppStoreClient{
		SharedSecret: "shared-secret",
		VerifyURL:    srv.URL,
		SandboxURL:   srv.URL,
		HTTPClient:   srv.Client(),
	}

	facts, err := client.Validate(context.Background(), "base64-receipt", "premium_monthly")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.PaymentState != PaymentConfirmed {
		t.Fatalf("expected confirmed, got %q", facts.PaymentState)
	}
	if !facts.AutoRenew {
		t.Fatalf("expected auto_renew true")
	}
	if facts.OriginalTransactionID != "2000000100" {
		t.Fatalf("unexpected original transaction id %q", facts.OriginalTransactionID)
	}
}

func TestAppStoreValidateSandboxFallback(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour)

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(asResponse(0, expiry, true, false)))
	}))
	t.Cleanup(sandbox.Close)

	prodCalls := 0
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		// 21007: sandbox receipt sent to production
		_, _ = w.Write([]byte(`{"status": 21007}`))
	}))
	t.Cleanup(prod.Close)

	client := &AppStoreClient{
		VerifyURL:  prod.URL,
		SandboxURL: sandbox.URL,
		HTTPClient: prod.Client(),
	}

	facts, err := client.Validate(context.Background(), "sandbox-receipt", "premium_monthly")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.PaymentState != PaymentConfirmed {
		t.Fatalf("expected confirmed after sandbox retry, got %q", facts.PaymentState)
	}
	if prodCalls != 1 {
		t.Fatalf("expected one production attempt, got %d", prodCalls)
	}
}

func TestAppStoreValidateBillingRetryGrace(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(asResponse(0, expired, true, true)))
	}))
	t.Cleanup(srv.Close)

	client := &AppStoreClient{VerifyURL: srv.URL, SandboxURL: srv.URL, HTTPClient: srv.Client()}

	facts, err := client.Validate(context.Background(), "receipt", "premium_monthly")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.PaymentState != PaymentGrace {
		t.Fatalf("expected grace during billing retry, got %q", facts.PaymentState)
	}
}

func TestAppStoreValidateExpired(t *testing.T) {
	expired := time.Now().Add(-48 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(asResponse(0, expired, false, false)))
	}))
	t.Cleanup(srv.Close)

	client := &AppStoreClient{VerifyURL: srv.URL, SandboxURL: srv.URL, HTTPClient: srv.Client()}

	_, err := client.Validate(context.Background(), "receipt", "premium_monthly")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAppStoreValidateStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		transient bool
	}{
		{status: 21000, want: ErrBadRequest},
		{status: 21002, want: ErrBadRequest},
		{status: 21003, want: ErrAuthFailure},
		{status: 21004, want: ErrAuthFailure},
		{status: 21005, transient: true},
		{status: 21010, want: ErrNotFound},
		{status: 21100, transient: true},
		{status: 21199, transient: true},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"status": %d}`, tt.status)
		}))
		client := &AppStoreClient{VerifyURL: srv.URL, SandboxURL: srv.URL, HTTPClient: srv.Client()}

		_, err := client.Validate(context.Background(), "receipt", "")
		srv.Close()

		if tt.transient {
			if !IsTransient(err) {
				t.Fatalf("status %d: expected transient, got %v", tt.status, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Fatalf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestAppStoreValidateHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client := &AppStoreClient{VerifyURL: srv.URL, SandboxURL: srv.URL, HTTPClient: srv.Client()}

	_, err := client.Validate(context.Background(), "receipt", "")
	if !IsTransient(err) {
		t.Fatalf("expected transient on 502, got %v", err)
	}
}

func TestLatestReceiptForPicksNewest(t *testing.T) {
	infos := []appStoreReceiptInfo{
		{ProductID: "premium_monthly", TransactionID: "t1", ExpiresDateMS: "1000"},
		{ProductID: "premium_monthly", TransactionID: "t3", ExpiresDateMS: "3000"},
		{ProductID: "other", TransactionID: "t9", ExpiresDateMS: "9000"},
		{ProductID: "premium_monthly", TransactionID: "t2", ExpiresDateMS: "2000"},
	}

	got := latestReceiptFor(infos, "premium_monthly")
	if got == nil || got.TransactionID != "t3" {
		t.Fatalf("expected t3, got %+v", got)
	}

	anyProduct := latestReceiptFor(infos, "")
	if anyProduct == nil || anyProduct.TransactionID != "t9" {
		t.Fatalf("expected t9 without product filter, got %+v", anyProduct)
	}

	if latestReceiptFor(nil, "x") != nil {
		t.Fatalf("expected nil for empty receipt list")
	}
}
