package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nexmobile/subsync/app/models"
	"gorm.io/gorm"
)

// ErrMalformedNotification marks payloads that cannot be decoded at all;
// everything decodable is accepted, even when it references nothing we know.
var ErrMalformedNotification = errors.New("subscription: malformed platform notification")

// Canonical notification kinds shared by both platforms.
const (
	KindPurchased     = "purchased"
	KindRenewed       = "renewed"
	KindRecovered     = "recovered"
	KindCanceled      = "canceled"
	KindGracePeriod   = "in_grace_period"
	KindOnHold        = "on_hold"
	KindPaused        = "paused"
	KindDeferred      = "deferred"
	KindRevoked       = "revoked"
	KindRefunded      = "refunded"
	KindRestarted     = "restarted"
	KindExpired       = "expired"
	KindRenewalStatus = "renewal_status_changed"
	KindPaymentFailed = "payment_failed"
	KindUnknown       = "unknown"
)

// Notification is the platform-agnostic shape both webhook decoders
// normalize into before any state machine work happens.
type Notification struct {
	Platform              string
	Kind                  string
	RawKind               string
	PlatformRef           string
	OriginalTransactionID string
	ProductID             string
	ExpiresAt             *time.Time
	AutoRenew             *bool
}

// kindTransitions maps canonical kinds onto state machine targets. Kinds
// missing here mutate flags or timestamps without a state target.
var kindTransitions = map[string]string{
	KindPurchased:     models.SubStateActive,
	KindRenewed:       models.SubStateActive,
	KindRecovered:     models.SubStateActive,
	KindRestarted:     models.SubStateActive,
	KindCanceled:      models.SubStateCancelled,
	KindGracePeriod:   models.SubStateGracePeriod,
	KindOnHold:        models.SubStateOnHold,
	KindPaused:        models.SubStatePaused,
	KindDeferred:      models.SubStateDeferred,
	KindRevoked:       models.SubStateRevoked,
	KindRefunded:      models.SubStateRefunded,
	KindPaymentFailed: models.SubStatePaymentFailed,
}

// HandleNotification decodes one platform push and applies it to the ledger.
// Safe under at-least-once delivery: replays append an audit event but do
// not re-apply the state change.
func (s *Service) HandleNotification(ctx context.Context, platformKind string, payload []byte) error {
	_ = ctx

	var n *Notification
	var err error
	switch strings.ToLower(strings.TrimSpace(platformKind)) {
	case models.PlatformGooglePlay:
		n, err = DecodeGooglePlayNotification(payload)
	case models.PlatformAppStore:
		n, err = DecodeAppStoreNotification(payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platformKind)
	}
	if err != nil {
		return err
	}

	if n.Kind == KindUnknown {
		// Forward compatible: new platform notification types are logged
		// and skipped, never failed.
		log.Infof("[Webhook] Ignoring unknown %s notification kind %q", n.Platform, n.RawKind)
		return nil
	}

	sub, err := s.lookupTarget(n)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Out-of-order delivery: the "purchased" push can beat the
			// interactive validation call. Expected, not a fault.
			log.Infof("[Webhook] No subscription for %s notification %q (ref=%s orig=%s), skipping",
				n.Platform, n.RawKind, n.PlatformRef, n.OriginalTransactionID)
			return nil
		}
		return err
	}

	mutate := map[string]any{}
	if n.ExpiresAt != nil {
		end := *n.ExpiresAt
		mutate["current_period_end"] = end
		sub.CurrentPeriodEnd = &end
	}
	if n.AutoRenew != nil {
		mutate["auto_renew"] = *n.AutoRenew
		sub.AutoRenew = *n.AutoRenew
	}

	now := s.now()
	target, hasTarget := kindTransitions[n.Kind]
	if hasTarget {
		switch n.Kind {
		case KindRenewed, KindRecovered, KindRestarted:
			mutate["last_payment_at"] = now
			mutate["grace_started_at"] = nil
		case KindCanceled:
			mutate["cancelled_at"] = now
			mutate["auto_renew"] = false
		case KindRevoked:
			mutate["revoked_at"] = now
		case KindRefunded:
			mutate["refunded_at"] = now
		}
	}

	eventType := models.EventWebhook
	switch n.Kind {
	case KindCanceled:
		eventType = models.EventCancellation
	case KindRefunded:
		eventType = models.EventRefund
	}

	if !hasTarget {
		if n.Kind == KindExpired {
			target = RouteToExpired(sub.State)
		} else {
			// Flag-only notification (e.g. renewal status toggled).
			return s.Transition(sub, sub.State, eventType, n.RawKind, mutate)
		}
	}

	if err := s.Transition(sub, target, eventType, n.RawKind, mutate); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The ledger has already moved past this notification (late or
			// out-of-order delivery); record nothing and succeed.
			log.Warnf("[Webhook] Dropping stale %s notification %q for subscription %d: %v",
				n.Platform, n.RawKind, sub.ID, err)
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) lookupTarget(n *Notification) (*models.Subscription, error) {
	if n.PlatformRef != "" {
		sub, err := s.repo.GetSubscriptionByPlatformRef(n.Platform, n.PlatformRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	// Renewals and refunds may carry a different reference than the original
	// purchase; the lineage id still finds the row.
	if n.OriginalTransactionID != "" {
		return s.repo.GetSubscriptionByOriginalTransactionID(n.Platform, n.OriginalTransactionID)
	}
	return nil, gorm.ErrRecordNotFound
}

// Google Play real-time developer notification types.
var googlePlayKinds = map[int]string{
	1:  KindRecovered,
	2:  KindRenewed,
	3:  KindCanceled,
	4:  KindPurchased,
	5:  KindOnHold,
	6:  KindGracePeriod,
	7:  KindRestarted,
	9:  KindDeferred,
	10: KindPaused,
	12: KindRevoked,
	13: KindExpired,
	20: KindCanceled, // pending purchase abandoned before settlement
}

type googlePlayPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type googlePlayDeveloperNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// DecodeGooglePlayNotification unwraps the Pub/Sub push envelope (the
// developer notification is base64 JSON nested inside it).
func DecodeGooglePlayNotification(payload []byte) (*Notification, error) {
	var env googlePlayPushEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: missing message data", ErrMalformedNotification)
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	var dn googlePlayDeveloperNotification
	if err := json.Unmarshal(decoded, &dn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	n := &Notification{Platform: models.PlatformGooglePlay, Kind: KindUnknown}
	if dn.TestNotification != nil {
		n.RawKind = "test_notification"
		return n, nil
	}
	if dn.SubscriptionNotification == nil {
		n.RawKind = "no_subscription_notification"
		return n, nil
	}

	sn := dn.SubscriptionNotification
	n.RawKind = strconv.Itoa(sn.NotificationType)
	n.PlatformRef = sn.PurchaseToken
	n.ProductID = sn.SubscriptionID
	if kind, ok := googlePlayKinds[sn.NotificationType]; ok {
		n.Kind = kind
	}
	return n, nil
}

// App Store Server Notification V2 types.
var appStoreKinds = map[string]string{
	"SUBSCRIBED":                KindPurchased,
	"DID_RENEW":                 KindRenewed,
	"DID_RECOVER":               KindRecovered,
	"EXPIRED":                   KindExpired,
	"GRACE_PERIOD_EXPIRED":      KindExpired,
	"DID_CHANGE_RENEWAL_STATUS": KindRenewalStatus,
	"REVOKE":                    KindRevoked,
	"REFUND":                    KindRefunded,
}

type appStoreNotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

type appStoreTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	ExpiresDate           int64  `json:"expiresDate"` // ms since epoch
}

// DecodeAppStoreNotification unwraps a V2 server notification: the outer
// body carries a JWS whose payload segment is the notification JSON, which
// itself nests a second JWS for the transaction.
func DecodeAppStoreNotification(payload []byte) (*Notification, error) {
	var outer struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if outer.SignedPayload == "" {
		return nil, fmt.Errorf("%w: missing signedPayload", ErrMalformedNotification)
	}

	body, err := decodeJWSPayload(outer.SignedPayload)
	if err != nil {
		return nil, err
	}
	var np appStoreNotificationPayload
	if err := json.Unmarshal(body, &np); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	n := &Notification{
		Platform: models.PlatformAppStore,
		Kind:     KindUnknown,
		RawKind:  np.NotificationType,
	}
	if np.Subtype != "" {
		n.RawKind = np.NotificationType + ":" + np.Subtype
	}

	switch np.NotificationType {
	case "DID_FAIL_TO_RENEW":
		if np.Subtype == "GRACE_PERIOD" {
			n.Kind = KindGracePeriod
		} else {
			n.Kind = KindPaymentFailed
		}
	default:
		if kind, ok := appStoreKinds[np.NotificationType]; ok {
			n.Kind = kind
		}
	}

	if np.Data.SignedTransactionInfo != "" {
		txBody, err := decodeJWSPayload(np.Data.SignedTransactionInfo)
		if err != nil {
			return nil, err
		}
		var tx appStoreTransactionInfo
		if err := json.Unmarshal(txBody, &tx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		n.PlatformRef = tx.TransactionID
		n.OriginalTransactionID = tx.OriginalTransactionID
		n.ProductID = tx.ProductID
		if tx.ExpiresDate > 0 {
			t := time.UnixMilli(tx.ExpiresDate)
			n.ExpiresAt = &t
		}
	}

	if n.Kind == KindRenewalStatus {
		autoRenew := np.Subtype == "AUTO_RENEW_ENABLED"
		n.AutoRenew = &autoRenew
	}

	return n, nil
}

// decodeJWSPayload extracts the claims segment of a compact JWS. Chain
// verification is a deployment concern handled upstream of the normalizer.
func decodeJWSPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: not a compact JWS", ErrMalformedNotification)
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return body, nil
}
