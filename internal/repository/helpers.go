package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTimeLayout はSQLiteに保存する時刻の書式。
// 固定長のため文字列比較で時系列順に並ぶ。
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// formatSQLiteTime は時刻をUTCの固定長文字列に変換する。
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime はformatSQLiteTimeで保存した文字列を時刻に戻す。
func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("時刻のパースに失敗しました: %q: %w", s, err)
	}
	return t, nil
}

// ensureID はIDが空の場合にUUIDを採番する。
func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}
