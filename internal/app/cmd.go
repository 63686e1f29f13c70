package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーとバックグラウンドワーカーを起動する。
	CommandServe Command = "serve"
	// CommandWorker はHTTPサーバーなしでドリップスケジューラとキュー購読のみを起動する。
	CommandWorker Command = "worker"
	// CommandTick はドリップパスを1回だけ実行して終了する。
	CommandTick Command = "tick"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandTick):        CommandTick,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
