package model

import "time"

// EventKind は配信監査イベントの種別を表す。
type EventKind string

const (
	// EventKindSent は配信成功。
	EventKindSent EventKind = "sent"
	// EventKindFailed は配信失敗（レンダリング失敗を含む）。
	EventKindFailed EventKind = "failed"
	// EventKindCaptured はサインアップによるリード登録。
	EventKindCaptured EventKind = "captured"
)

// DeliveryEvent は追記専用の監査レコード。
// 可観測性のためだけに使用し、制御判断には読み戻さない。
type DeliveryEvent struct {
	ID        string
	LeadID    string
	Kind      EventKind
	Step      int
	Detail    string
	CreatedAt time.Time
}
