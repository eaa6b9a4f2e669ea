package video

import "errors"

// ErrInsufficientBalance は課金時に残高が足りない場合のエラーです。
var ErrInsufficientBalance = errors.New("insufficient balance")

// Media は生成サービスが返す素材一式です。
type Media struct {
	Primary     []byte
	Thumbnail   []byte
	Preview     []byte
	DurationSec float64
	CostUnits   int
}

// Verdict は画像審査の結果です。
type Verdict struct {
	Allowed bool
	Reason  string
}
