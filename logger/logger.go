// Package logger provides adapters for popular logger libraries to work with leafdb's Logger interface.
//
// The standard library's *slog.Logger already implements leafdb.Logger directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	db, err := leafdb.Open("blocks.db", leafdb.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
package logger

// badKey labels a value that arrived without a string key, as slog does.
const badKey = "!BADKEY"

// pairs walks slog-style alternating key/value arguments.
func pairs(args []any, fn func(key string, value any)) {
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			fn(badKey, args[i])
			continue
		}
		fn(key, args[i+1])
		i++
	}
}
