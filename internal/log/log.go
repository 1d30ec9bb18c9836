package log

import (
	"io"
	"os"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var mu sync.RWMutex

var lg = build(zapcore.InfoLevel, zapcore.Lock(os.Stdout))

func build(lvl zapcore.Level, ws zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.MessageKey = "action"
	enc.CallerKey = zapcore.OmitKey
	enc.StacktraceKey = zapcore.OmitKey
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, lvl))
}

// Init replaces the process logger. With no writers it logs to stdout.
func Init(level string, writers ...io.Writer) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	syncers := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if len(writers) > 0 {
		syncers = syncers[:0]
		for _, w := range writers {
			syncers = append(syncers, zapcore.Lock(zapcore.AddSync(w)))
		}
	}
	swap(build(lvl, zapcore.NewMultiWriteSyncer(syncers...)))
	return nil
}

// SetOutput sends every level to w. Used by tests to capture entries.
func SetOutput(w io.Writer) {
	swap(build(zapcore.DebugLevel, zapcore.Lock(zapcore.AddSync(w))))
}

func Sync() { _ = current().Sync() }

func swap(l *zap.Logger) {
	mu.Lock()
	lg = l
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return lg
}

func write(lvl zapcore.Level, category string, c *fiber.Ctx, action string, err error, fields map[string]any) {
	zf := make([]zap.Field, 0, 8)
	if category != "" {
		zf = append(zf, zap.String("category", category))
	}
	if c != nil {
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			zf = append(zf, zap.String("req_id", rid))
		}
		zf = append(zf,
			zap.String("ip", c.IP()),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
		)
	}
	if err != nil {
		zf = append(zf, zap.String("err", err.Error()))
	}
	if len(fields) > 0 {
		zf = append(zf, zap.Any("fields", fields))
	}
	current().Log(lvl, action, zf...)
}

func Info(c *fiber.Ctx, action string, fields map[string]any) {
	write(zapcore.InfoLevel, "", c, action, nil, fields)
}

// Audit records a state change made on behalf of a seller or buyer.
func Audit(c *fiber.Ctx, action string, fields map[string]any) {
	write(zapcore.InfoLevel, "audit", c, action, nil, fields)
}

func Security(c *fiber.Ctx, action string, fields map[string]any) {
	write(zapcore.WarnLevel, "security", c, action, nil, fields)
}

func Error(c *fiber.Ctx, action string, err error, fields map[string]any) {
	write(zapcore.ErrorLevel, "", c, action, err, fields)
}

// Event, Warn and Fail are for code that runs outside a request (services,
// workers, the CLI).
func Event(action string, fields map[string]any) {
	write(zapcore.InfoLevel, "", nil, action, nil, fields)
}

func Warn(action string, fields map[string]any) {
	write(zapcore.WarnLevel, "", nil, action, nil, fields)
}

func Fail(action string, err error, fields map[string]any) {
	write(zapcore.ErrorLevel, "", nil, action, err, fields)
}
