package failover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulseroute/pulseroute"
)

// Event is one recorded model substitution.
type Event struct {
	Timestamp        time.Time                 `json:"timestamp"`
	OriginalModel    string                    `json:"original_model"`
	AlternativeModel string                    `json:"alternative_model"`
	Reason           pulseroute.FailoverReason `json:"reason"`
	TaskID           string                    `json:"task_id"`
}

// EventLog persists failover events to SQLite so substitutions stay
// auditable across restarts.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Record(ctx context.Context, event Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO failover_events
			(timestamp, original_model, alternative_model, reason, task_id)
		VALUES (?, ?, ?, ?, ?)`,
		event.Timestamp.UTC(), event.OriginalModel, event.AlternativeModel,
		string(event.Reason), event.TaskID)
	if err != nil {
		return fmt.Errorf("failed to record failover event: %v", err)
	}
	return nil
}

// RecentFailovers returns events since the given time, newest first.
func (l *EventLog) RecentFailovers(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT timestamp, original_model, alternative_model, reason, task_id
		FROM failover_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query failover events: %v", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var reason string
		if err := rows.Scan(&event.Timestamp, &event.OriginalModel,
			&event.AlternativeModel, &reason, &event.TaskID); err != nil {
			return nil, err
		}
		event.Reason = pulseroute.FailoverReason(reason)
		events = append(events, event)
	}
	return events, rows.Err()
}
