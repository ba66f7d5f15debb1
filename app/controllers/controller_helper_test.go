package controllers

import (
	"testing"

	"github.com/nexmobile/subsync/app/models"
)

func TestEntitlementStatusFor(t *testing.T) {
	tests := []struct {
		name         string
		projected    string
		isSubscribed bool
		want         string
	}{
		{"agreeing active", models.SubStateActive, true, models.SubStateActive},
		{"agreeing grace", models.SubStateGracePeriod, true, models.SubStateGracePeriod},
		{"agreeing expired", models.SubStateExpired, false, models.SubStateExpired},
		{"agreeing none", "none", false, "none"},
		// The chain granted (offline grace, direct platform check) while
		// the projection lags; the status must not read "none".
		{"chain grants over none", "none", true, models.SubStateGracePeriod},
		{"chain grants over expired", models.SubStateExpired, true, models.SubStateGracePeriod},
		// The chain denied (platform verdict) before the sweep caught up.
		{"chain denies over active", models.SubStateActive, false, models.SubStateExpired},
		{"chain denies over grace", models.SubStateGracePeriod, false, models.SubStateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entitlementStatusFor(tt.projected, tt.isSubscribed); got != tt.want {
				t.Fatalf("entitlementStatusFor(%q, %v) = %q, want %q", tt.projected, tt.isSubscribed, got, tt.want)
			}
		})
	}
}
