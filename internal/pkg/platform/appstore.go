package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/env"
)

const (
	defaultAppStoreVerifyURL        = "https://buy.itunes.apple.com/verifyReceipt"
	defaultAppStoreSandboxVerifyURL = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// verifyReceipt status codes.
const (
	asStatusOK                = 0
	asStatusMalformedJSON     = 21000
	asStatusMalformedReceipt  = 21002
	asStatusUnauthenticated   = 21003
	asStatusSharedSecret      = 21004
	asStatusServerUnavailable = 21005
	asStatusSandboxOnProd     = 21007
	asStatusProdOnSandbox     = 21008
	asStatusUnauthorized      = 21010
)

// AppStoreClient validates receipts against the verifyReceipt endpoint.
// When the primary endpoint reports the receipt belongs to the other
// environment (21007/21008) it automatically retries the secondary endpoint
// and propagates whichever environment answered definitively.
type AppStoreClient struct {
	SharedSecret string
	VerifyURL    string
	SandboxURL   string

	HTTPClient *http.Client
}

func NewAppStoreClientFromEnv() *AppStoreClient {
	return &AppStoreClient{
		SharedSecret: strings.TrimSpace(env.GetEnv("APPSTORE_SHARED_SECRET", "")),
		VerifyURL:    strings.TrimSpace(env.GetEnv("APPSTORE_VERIFY_URL", defaultAppStoreVerifyURL)),
		SandboxURL:   strings.TrimSpace(env.GetEnv("APPSTORE_SANDBOX_VERIFY_URL", defaultAppStoreSandboxVerifyURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *AppStoreClient) Kind() string {
	return models.PlatformAppStore
}

type appStoreReceiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDateMS         string `json:"expires_date_ms"`
}

type appStoreRenewalInfo struct {
	ProductID            string `json:"product_id"`
	AutoRenewStatus      string `json:"auto_renew_status"`
	IsInBillingRetry     string `json:"is_in_billing_retry_period"`
	GracePeriodExpiresMS string `json:"grace_period_expires_date_ms"`
}

type appStoreVerifyResponse struct {
	Status             int                   `json:"status"`
	Environment        string                `json:"environment"`
	LatestReceiptInfo  []appStoreReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []appStoreRenewalInfo `json:"pending_renewal_info"`
}

func (c *AppStoreClient) Validate(ctx context.Context, platformRef, productID string) (*PurchaseFacts, error) {
	receipt := strings.TrimSpace(platformRef)
	if receipt == "" {
		return nil, fmt.Errorf("%w: empty receipt data", ErrBadRequest)
	}

	resp, err := c.verify(ctx, c.VerifyURL, receipt)
	if err != nil {
		return nil, err
	}
	// Wrong-environment receipts are re-verified against the other endpoint
	// so that sandbox builds and production builds share one code path.
	switch resp.Status {
	case asStatusSandboxOnProd:
		if resp, err = c.verify(ctx, c.SandboxURL, receipt); err != nil {
			return nil, err
		}
	case asStatusProdOnSandbox:
		if resp, err = c.verify(ctx, c.VerifyURL, receipt); err != nil {
			return nil, err
		}
	}

	switch resp.Status {
	case asStatusOK:
		// fall through to fact extraction
	case asStatusMalformedJSON, asStatusMalformedReceipt:
		return nil, fmt.Errorf("%w: verifyReceipt status=%d", ErrBadRequest, resp.Status)
	case asStatusUnauthenticated, asStatusSharedSecret:
		return nil, fmt.Errorf("%w: verifyReceipt status=%d", ErrAuthFailure, resp.Status)
	case asStatusServerUnavailable:
		return nil, Transient(fmt.Errorf("verifyReceipt unavailable: status=%d", resp.Status))
	case asStatusUnauthorized:
		return nil, fmt.Errorf("%w: verifyReceipt status=%d", ErrNotFound, resp.Status)
	default:
		if resp.Status >= 21100 && resp.Status <= 21199 {
			// Internal data access errors on Apple's side.
			return nil, Transient(fmt.Errorf("verifyReceipt internal error: status=%d", resp.Status))
		}
		return nil, fmt.Errorf("%w: verifyReceipt status=%d", ErrBadRequest, resp.Status)
	}

	latest := latestReceiptFor(resp.LatestReceiptInfo, productID)
	if latest == nil {
		return nil, fmt.Errorf("%w: receipt has no transactions for product", ErrNotFound)
	}

	facts := &PurchaseFacts{
		OrderID:               latest.TransactionID,
		OriginalTransactionID: latest.OriginalTransactionID,
		// App Store purchases need no client-side acknowledgement.
		Acknowledged: true,
	}
	if ms, perr := strconv.ParseInt(latest.ExpiresDateMS, 10, 64); perr == nil {
		facts.ExpiresAt = time.UnixMilli(ms)
	}

	renewal := renewalInfoFor(resp.PendingRenewalInfo, latest.ProductID)
	if renewal != nil {
		facts.AutoRenew = renewal.AutoRenewStatus == "1"
	}

	now := time.Now()
	switch {
	case facts.ExpiresAt.After(now):
		facts.PaymentState = PaymentConfirmed
	case renewal != nil && renewal.IsInBillingRetry == "1":
		facts.PaymentState = PaymentGrace
		if ms, perr := strconv.ParseInt(renewal.GracePeriodExpiresMS, 10, 64); perr == nil {
			facts.ExpiresAt = time.UnixMilli(ms)
		}
	default:
		return nil, fmt.Errorf("%w: latest transaction expired at %s", ErrExpired, facts.ExpiresAt.Format(time.RFC3339))
	}

	return facts, nil
}

func (c *AppStoreClient) verify(ctx context.Context, endpoint, receipt string) (*appStoreVerifyResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"receipt-data":             receipt,
		"password":                 c.SharedSecret,
		"exclude-old-transactions": true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, Transient(fmt.Errorf("verifyReceipt failed: status=%d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: verifyReceipt http status=%d", ErrBadRequest, resp.StatusCode)
	}

	var out appStoreVerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return &out, nil
}

// latestReceiptFor picks the transaction with the newest expiry for the
// given product (or overall when productID is empty).
func latestReceiptFor(infos []appStoreReceiptInfo, productID string) *appStoreReceiptInfo {
	var best *appStoreReceiptInfo
	var bestMS int64 = -1
	for i := range infos {
		info := &infos[i]
		if productID != "" && info.ProductID != productID {
			continue
		}
		ms, err := strconv.ParseInt(info.ExpiresDateMS, 10, 64)
		if err != nil {
			ms = 0
		}
		if ms > bestMS {
			best = info
			bestMS = ms
		}
	}
	return best
}

func renewalInfoFor(infos []appStoreRenewalInfo, productID string) *appStoreRenewalInfo {
	for i := range infos {
		if infos[i].ProductID == productID {
			return &infos[i]
		}
	}
	if len(infos) > 0 {
		return &infos[0]
	}
	return nil
}

var _ Validator = (*AppStoreClient)(nil)
