package worker

import (
	"context"
	"fmt"
)

// connectionLogger implements the same Logger shape as
// telemetry/logging.Logger, but forwards every record to the controller as
// a MsgLog control message instead of writing locally: a worker process
// has no attached terminal, so its logs only exist once the controller
// receives and re-emits them.
type connectionLogger struct {
	link *controlLink
}

func newConnectionLogger(link *controlLink) *connectionLogger {
	return &connectionLogger{link: link}
}

func (c *connectionLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	c.send("debug", msg, attrs)
}
func (c *connectionLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	c.send("info", msg, attrs)
}
func (c *connectionLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	c.send("warn", msg, attrs)
}
func (c *connectionLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	c.send("error", msg, attrs)
}
func (c *connectionLogger) CriticalCtx(ctx context.Context, msg string, attrs ...any) {
	c.send("critical", msg, attrs)
}

func (c *connectionLogger) send(level, msg string, attrs []any) {
	text := msg
	if len(attrs) > 0 {
		text = fmt.Sprintf("%s %v", msg, attrs)
	}
	_ = c.link.Send(ControlMessage{Kind: MsgLog, LogLevel: level, LogText: text})
}
