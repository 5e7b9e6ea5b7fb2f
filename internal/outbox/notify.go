package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

const listenerPing = 90 * time.Second

// Notifier wakes outbox dispatchers through Postgres LISTEN/NOTIFY. The payload
// is the consumer that has new entries.
type Notifier struct {
	db      *sql.DB
	dsn     string
	channel string
	logger  *slog.Logger
}

func NewNotifier(db *sql.DB, dsn, channel string, logger *slog.Logger) *Notifier {
	return &Notifier{db: db, dsn: dsn, channel: channel, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, consumer string) error {
	_, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, consumer)
	return err
}

// Listen yields consumer names as notifications arrive. The channel is closed
// when ctx is done.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(n.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.logger.Warn("outbox listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(n.channel); err != nil {
		listener.Close()
		return nil, err
	}

	ch := make(chan string, 16)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-listener.Notify:
				// nil after a reconnect; entries may have been missed
				consumer := ""
				if note != nil {
					consumer = note.Extra
				}
				select {
				case ch <- consumer:
				default:
				}
			case <-time.After(listenerPing):
				go listener.Ping()
			}
		}
	}()
	return ch, nil
}
