package backend

import "time"

// BanReason says why a pool was taken out of rotation.
type BanReason string

const (
	BanCheckoutTimeout    BanReason = "checkout_timeout"
	BanServerError        BanReason = "server_error"
	BanHealthcheckError   BanReason = "healthcheck_error"
	BanHealthcheckTimeout BanReason = "healthcheck_timeout"
	BanManual             BanReason = "manual"
)

// Ban marks a pool as unavailable. Manual bans never expire on their own.
type Ban struct {
	CreatedAt time.Time
	Reason    BanReason
	Timeout   time.Duration
}

// Expired reports whether the ban has aged out.
func (b *Ban) Expired(now time.Time) bool {
	if b.Reason == BanManual {
		return false
	}
	return now.Sub(b.CreatedAt) > b.Timeout
}
