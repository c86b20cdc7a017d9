package models

// -----------------------------------------------------------------------------
// Subscribe actions accepted over the websocket
// -----------------------------------------------------------------------------

const (
	ActionSubscribeRanking     = "subscribe.ranking"
	ActionSubscribeSecondary   = "subscribe.secondary"
	ActionSubscribeDetail      = "subscribe.symbolDetail"
	ActionSubscribeShort       = "subscribe.shortHistory"
	ActionSubscribePreferences = "subscribe.preferences"
	ActionSubscribePrefDetail  = "subscribe.preferenceDetail"
	ActionUnsubscribe          = "unsubscribe"
)

// -----------------------------------------------------------------------------

// MSubscribeCommand is a client message. Validation happens before any
// resource is allocated; a command that fails validation produces an error
// event and nothing else.
type MSubscribeCommand struct {
	Action   string `json:"action" validate:"required,oneof=subscribe.ranking subscribe.secondary subscribe.symbolDetail subscribe.shortHistory subscribe.preferences subscribe.preferenceDetail unsubscribe"`
	AssetID  string `json:"assetId,omitempty" validate:"required_if=Action subscribe.symbolDetail,required_if=Action subscribe.shortHistory,omitempty,max=128"`
	Interval string `json:"interval,omitempty" validate:"omitempty,oneof=1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M"`
	Limit    int    `json:"limit,omitempty" validate:"omitempty,min=1"`
	TopN     int    `json:"topN,omitempty" validate:"omitempty,min=1,max=100"`
	Hours    int    `json:"hours,omitempty" validate:"required_if=Action subscribe.shortHistory,omitempty,oneof=24 48 72"`
	UserID   string `json:"userId,omitempty" validate:"required_if=Action subscribe.preferences,required_if=Action subscribe.preferenceDetail,omitempty,max=128"`
}
