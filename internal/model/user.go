// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// GoogleIDとEmailはそれぞれグローバルに一意。
type User struct {
	ID        string
	GoogleID  string
	Email     string
	Name      string
	AvatarURL string

	// RefreshToken は現在有効なリフレッシュトークンの値。
	// ユーザーごとに同時に有効なのは1つだけで、空文字列は未ログイン状態を表す。
	// ここに保存された値と完全一致しないリフレッシュトークンは、
	// 署名が有効でも失効扱いになる。
	RefreshToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}
