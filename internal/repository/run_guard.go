package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"
)

// DefaultAdvisoryLockKey はシーケンスエンジン用のアドバイザリロックのキー。
const DefaultAdvisoryLockKey int64 = 0x647269706d616e // "dripman"

// defaultUnlockTimeout はロック解放クエリの上限時間。
const defaultUnlockTimeout = 5 * time.Second

// PostgresRunGuard はpg_advisory_lockでエンジン実行をプロセス間で排他する。
// セッションレベルのロックのため、取得から解放まで同じ接続を保持する。
type PostgresRunGuard struct {
	db            *sql.DB
	key           int64
	logger        *slog.Logger
	unlockTimeout time.Duration
}

// NewPostgresRunGuard はPostgresRunGuardを生成する。
func NewPostgresRunGuard(db *sql.DB, key int64, logger *slog.Logger) *PostgresRunGuard {
	return &PostgresRunGuard{db: db, key: key, logger: logger, unlockTimeout: defaultUnlockTimeout}
}

// Acquire はアドバイザリロックを取得する。
// 返される解放関数は、解放に失敗した場合に物理接続を破棄する。
// sql.Conn.Closeは接続をプールへ戻すだけで、セッションロックはそのまま残るため。
func (g *PostgresRunGuard) Acquire(ctx context.Context) (func(), error) {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("ロック用接続の取得に失敗しました: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, g.key); err != nil {
		// 取得要求がサーバー側で成立している可能性があるため接続ごと捨てる
		discardConn(conn)
		return nil, fmt.Errorf("アドバイザリロックの取得に失敗しました: %w", err)
	}

	release := func() {
		if err := g.unlock(conn); err != nil {
			g.logger.Error("アドバイザリロックの解放に失敗したため接続を破棄します",
				slog.String("error", err.Error()),
			)
			discardConn(conn)
			return
		}
		conn.Close()
	}
	return release, nil
}

// unlock はpg_advisory_unlockを実行し、ロックが実際に解放されたことを確認する。
func (g *PostgresRunGuard) unlock(conn *sql.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, g.key).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", g.key)
	}
	return nil
}

// discardConn は接続をプールへ戻さずに物理的に閉じる。
// サーバー側のセッションが終了し、保持していたアドバイザリロックも解放される。
func discardConn(conn *sql.Conn) {
	conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}

// LocalRunGuard はプロセス内でのみエンジン実行を排他するガード。
// SQLiteとインメモリストアで使用する。
type LocalRunGuard struct {
	sem chan struct{}
}

// NewLocalRunGuard はLocalRunGuardを生成する。
func NewLocalRunGuard() *LocalRunGuard {
	return &LocalRunGuard{sem: make(chan struct{}, 1)}
}

// Acquire はロックを取得する。ctxが先に終了した場合はエラーを返す。
func (g *LocalRunGuard) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// compile-time interface check
var _ RunGuard = (*PostgresRunGuard)(nil)
var _ RunGuard = (*LocalRunGuard)(nil)
