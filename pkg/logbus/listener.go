package logbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// FanoutHandler receives a live-pushed LogEvent. Handlers must not block
// — the receive loop is single-threaded across every subscriber.
type FanoutHandler func(event LogEvent)

// Listener holds the dedicated LISTEN connection for the bus's NOTIFY
// channel and re-hydrates the full LogEvent row before fanning it out,
// since NOTIFY payloads only carry the stream_id (Postgres caps NOTIFY
// payloads at 8000 bytes).
type Listener struct {
	connString string
	db         *sql.DB
	conn       *pgx.Conn

	handlers   map[string]FanoutHandler
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a Listener. connString is a dedicated (non-pooled)
// Postgres DSN used for LISTEN; db is the shared pool used to re-fetch
// full event rows on notify.
func NewListener(connString string, db *sql.DB) *Listener {
	return &Listener{
		connString: connString,
		db:         db,
		handlers:   make(map[string]FanoutHandler),
	}
}

// AddHandler registers a fan-out callback under name, replacing any
// existing handler of the same name.
func (l *Listener) AddHandler(name string, handler FanoutHandler) {
	l.handlers[name] = handler
}

// RemoveHandler unregisters a previously added handler.
func (l *Listener) RemoveHandler(name string) {
	delete(l.handlers, name)
}

// Start opens the dedicated LISTEN connection and begins the receive
// loop in a background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	l.conn = conn

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", NotifyChannel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("log bus notify listener started", "channel", NotifyChannel)
	return nil
}

// Stop cancels the receive loop and closes the dedicated connection.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancelLoop != nil {
		l.cancelLoop()
		<-l.loopDone
	}
	if l.conn != nil {
		return l.conn.Close(ctx)
	}
	return nil
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("log bus listener wait error, backing off", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		l.dispatch(ctx, notification)
	}
}

func (l *Listener) dispatch(ctx context.Context, notification *pgx.Notification) {
	streamID, err := strconv.ParseInt(notification.Payload, 10, 64)
	if err != nil {
		slog.Warn("log bus listener: malformed notify payload", "payload", notification.Payload, "error", err)
		return
	}

	events, err := (&Bus{db: l.db}).Range(ctx, streamID, streamID, 1)
	if err != nil {
		slog.Warn("log bus listener: failed to re-fetch event", "stream_id", streamID, "error", err)
		return
	}
	if len(events) == 0 {
		// Trimmed between publish and fan-out; best-effort drop.
		return
	}

	for name, handler := range l.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("log bus fan-out handler panicked", "handler", name, "panic", r)
				}
			}()
			handler(events[0])
		}()
	}
}
