package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/env"
)

const defaultGooglePlayAPIBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

// Google Play subscriptionsv2 subscription states we act on.
const (
	gpStateActive      = "SUBSCRIPTION_STATE_ACTIVE"
	gpStateCanceled    = "SUBSCRIPTION_STATE_CANCELED"
	gpStateGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	gpStatePending     = "SUBSCRIPTION_STATE_PENDING"
	gpStateOnHold      = "SUBSCRIPTION_STATE_ON_HOLD"
	gpStatePaused      = "SUBSCRIPTION_STATE_PAUSED"
	gpStateExpired     = "SUBSCRIPTION_STATE_EXPIRED"
)

// GooglePlayClient validates purchase tokens against the Play Developer API
// (purchases.subscriptionsv2.get).
type GooglePlayClient struct {
	PackageName string
	AccessToken string
	APIBaseURL  string

	HTTPClient *http.Client
}

func NewGooglePlayClientFromEnv() *GooglePlayClient {
	return &GooglePlayClient{
		PackageName: strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_PACKAGE_NAME", "")),
		AccessToken: strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_ACCESS_TOKEN", "")),
		APIBaseURL:  strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_API_BASE_URL", defaultGooglePlayAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *GooglePlayClient) Kind() string {
	return models.PlatformGooglePlay
}

type googlePlayLineItem struct {
	ProductID  string `json:"productId"`
	ExpiryTime string `json:"expiryTime"`
}

type googlePlaySubscription struct {
	SubscriptionState    string               `json:"subscriptionState"`
	LatestOrderID        string               `json:"latestOrderId"`
	LineItems            []googlePlayLineItem `json:"lineItems"`
	LinkedPurchaseToken  string               `json:"linkedPurchaseToken"`
	AcknowledgementState string               `json:"acknowledgementState"`
}

// Validate resolves a purchase token. The API is treated as an untrusted,
// rate-limited oracle: 429 and 5xx are transient, 4xx classify per taxonomy.
func (c *GooglePlayClient) Validate(ctx context.Context, platformRef, productID string) (*PurchaseFacts, error) {
	token := strings.TrimSpace(platformRef)
	if token == "" {
		return nil, fmt.Errorf("%w: empty purchase token", ErrBadRequest)
	}
	if strings.TrimSpace(c.PackageName) == "" {
		return nil, fmt.Errorf("%w: GOOGLE_PLAY_PACKAGE_NAME is not configured", ErrAuthFailure)
	}

	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptionsv2/tokens/%s",
		strings.TrimRight(c.APIBaseURL, "/"),
		url.PathEscape(c.PackageName),
		url.PathEscape(token),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection errors are retryable.
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parsing
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, string(body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status=%d", ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: status=%d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("google play lookup failed: status=%d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("%w: unexpected status=%d", ErrBadRequest, resp.StatusCode)
	}

	var sub googlePlaySubscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	facts := &PurchaseFacts{
		OrderID:               sub.LatestOrderID,
		OriginalTransactionID: originalOrderID(sub.LatestOrderID),
		Acknowledged:          sub.AcknowledgementState == "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
	}
	if sub.LinkedPurchaseToken != "" {
		// A resubscription chain; the linked token identifies the lineage.
		facts.OriginalTransactionID = sub.LinkedPurchaseToken
	}

	for _, li := range sub.LineItems {
		if productID != "" && li.ProductID != productID {
			continue
		}
		if li.ExpiryTime != "" {
			if t, perr := time.Parse(time.RFC3339, li.ExpiryTime); perr == nil {
				facts.ExpiresAt = t
			}
		}
		break
	}

	switch sub.SubscriptionState {
	case gpStateActive:
		facts.PaymentState = PaymentConfirmed
		facts.AutoRenew = true
	case gpStateCanceled:
		// Auto-renew turned off but the paid period may still be running.
		if facts.ExpiresAt.IsZero() || !facts.ExpiresAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: canceled and period lapsed", ErrExpired)
		}
		facts.PaymentState = PaymentConfirmed
		facts.AutoRenew = false
	case gpStateGracePeriod:
		facts.PaymentState = PaymentGrace
		facts.AutoRenew = true
	case gpStatePending:
		facts.PaymentState = PaymentPending
	case gpStateOnHold, gpStatePaused:
		return nil, fmt.Errorf("%w: state=%s", ErrUnconfirmed, sub.SubscriptionState)
	case gpStateExpired:
		return nil, fmt.Errorf("%w: state=%s", ErrExpired, sub.SubscriptionState)
	default:
		return nil, fmt.Errorf("%w: unknown subscription state %q", ErrBadRequest, sub.SubscriptionState)
	}

	return facts, nil
}

// originalOrderID strips the renewal suffix Play appends to order ids
// (GPA.XXXX-XXXX-XXXX-XXXXX..N -> GPA.XXXX-XXXX-XXXX-XXXXX), giving a stable
// lineage identifier across renewals.
func originalOrderID(orderID string) string {
	idx := strings.LastIndex(orderID, "..")
	if idx < 0 {
		return orderID
	}
	if _, err := strconv.Atoi(orderID[idx+2:]); err != nil {
		return orderID
	}
	return orderID[:idx]
}

var _ Validator = (*GooglePlayClient)(nil)
