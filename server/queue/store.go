package queue

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	_ "github.com/go-sql-driver/mysql"
	jerrors "github.com/juju/errors"
)

// MaxRetries is the retry budget of a queued command. A row whose
// retry_count reaches it is removed for good.
const MaxRetries = 4

const schema = `
CREATE TABLE IF NOT EXISTS queued_command (
	id            BIGINT      NOT NULL AUTO_INCREMENT,
	device_id     BIGINT      NOT NULL,
	command_data  TEXT        NOT NULL,
	status        ENUM('pending','processing','failed','completed') NOT NULL DEFAULT 'pending',
	retry_count   INT         NOT NULL DEFAULT 0,
	error_history TEXT,
	created_at    DATETIME    NOT NULL,
	processed_at  DATETIME    NULL,
	PRIMARY KEY (id),
	KEY idx_status_created (status, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

// Command is one durable queued command row.
type Command struct {
	ID           int64
	DeviceID     int64
	CommandData  string
	Status       string
	RetryCount   int
	ErrorHistory string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Words decodes the JSON-serialized command words.
func (c *Command) Words() (protocol.Sentence, error) {
	var words protocol.Sentence
	if err := json.Unmarshal([]byte(c.CommandData), &words); err != nil {
		return nil, jerrors.Annotatef(err, "command %d data", c.ID)
	}
	return words, nil
}

// ErrorEntry is one record of the error_history JSON array.
type ErrorEntry struct {
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// SQLStore is the MySQL durable command queue.
type SQLStore struct {
	db *sql.DB
}

// Open connects to the queue database and ensures the schema.
func Open(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open queue db")
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(8)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, jerrors.Annotatef(err, "ping queue db")
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, jerrors.Annotatef(err, "init queue schema")
	}
	logger.Infof("queue store ready")
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Enqueue stores one command as a fresh pending row and returns its id.
func (s *SQLStore) Enqueue(deviceID int64, words protocol.Sentence) (int64, error) {
	data, err := json.Marshal(words)
	if err != nil {
		return 0, jerrors.Trace(err)
	}
	res, err := s.db.Exec(
		`INSERT INTO queued_command (device_id, command_data, status, retry_count, created_at)
		 VALUES (?, ?, 'pending', 0, ?)`,
		deviceID, string(data), time.Now().UTC())
	if err != nil {
		return 0, jerrors.Annotatef(err, "enqueue device %d", deviceID)
	}
	id, err := res.LastInsertId()
	return id, jerrors.Trace(err)
}

const commandCols = "id, device_id, command_data, status, retry_count, error_history, created_at, processed_at"

func scanCommand(rows *sql.Rows) (Command, error) {
	var (
		c       Command
		history sql.NullString
		done    sql.NullTime
	)
	err := rows.Scan(&c.ID, &c.DeviceID, &c.CommandData, &c.Status,
		&c.RetryCount, &history, &c.CreatedAt, &done)
	if err != nil {
		return c, jerrors.Trace(err)
	}
	c.ErrorHistory = history.String
	if done.Valid {
		t := done.Time
		c.ProcessedAt = &t
	}
	return c, nil
}

// ClaimBatch opens a transaction, locks up to limit runnable rows with
// SELECT ... FOR UPDATE and marks them processing. The rows stay locked
// until the batch commits or rolls back, so concurrent claimers always get
// disjoint sets.
func (s *SQLStore) ClaimBatch(limit int) (Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, jerrors.Trace(err)
	}

	rows, err := tx.Query(
		`SELECT `+commandCols+` FROM queued_command
		 WHERE status IN ('pending','failed') AND retry_count < ?
		 ORDER BY created_at
		 LIMIT ?
		 FOR UPDATE`, MaxRetries, limit)
	if err != nil {
		tx.Rollback()
		return nil, jerrors.Trace(err)
	}

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			tx.Rollback()
			return nil, jerrors.Trace(err)
		}
		cmds = append(cmds, c)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, jerrors.Trace(err)
	}
	rows.Close()

	if len(cmds) > 0 {
		ids := make([]string, len(cmds))
		args := make([]interface{}, len(cmds))
		for i, c := range cmds {
			ids[i] = "?"
			args[i] = c.ID
		}
		_, err = tx.Exec(
			"UPDATE queued_command SET status = 'processing' WHERE id IN ("+strings.Join(ids, ",")+")",
			args...)
		if err != nil {
			tx.Rollback()
			return nil, jerrors.Trace(err)
		}
	}

	return &sqlBatch{tx: tx, cmds: cmds}, nil
}

// ClearAll wipes the whole queue.
func (s *SQLStore) ClearAll() error {
	_, err := s.db.Exec("DELETE FROM queued_command")
	return jerrors.Trace(err)
}

// List returns one page of queued commands, newest first, plus the total
// row count.
func (s *SQLStore) List(page, perPage int) ([]Command, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM queued_command").Scan(&total); err != nil {
		return nil, 0, jerrors.Trace(err)
	}

	rows, err := s.db.Query(
		`SELECT `+commandCols+` FROM queued_command
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, jerrors.Trace(err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, 0, jerrors.Trace(err)
		}
		cmds = append(cmds, c)
	}
	return cmds, total, jerrors.Trace(rows.Err())
}

// Batch is one claimed set of rows inside a single transaction. All
// mutations become visible atomically at Commit.
type Batch interface {
	Commands() []Command
	Complete(id int64) error
	Fail(cmd *Command, msg string, final bool) error
	Defer(cmd *Command, msg string) error
	Reset(id int64) error
	Commit() error
	Rollback() error
}

type sqlBatch struct {
	tx   *sql.Tx
	cmds []Command
}

func (b *sqlBatch) Commands() []Command {
	return b.cmds
}

// Complete removes a successfully executed row.
func (b *sqlBatch) Complete(id int64) error {
	_, err := b.tx.Exec("DELETE FROM queued_command WHERE id = ?", id)
	return jerrors.Trace(err)
}

// Fail records the error in the history and bumps retry_count. Final
// failures are removed; the history entry documents the attempt either way.
func (b *sqlBatch) Fail(cmd *Command, msg string, final bool) error {
	history := appendHistory(cmd.ErrorHistory, msg)
	if final {
		_, err := b.tx.Exec("DELETE FROM queued_command WHERE id = ?", cmd.ID)
		return jerrors.Trace(err)
	}
	_, err := b.tx.Exec(
		`UPDATE queued_command
		 SET status = 'failed', retry_count = retry_count + 1, error_history = ?, processed_at = ?
		 WHERE id = ?`,
		history, time.Now().UTC(), cmd.ID)
	return jerrors.Trace(err)
}

// Defer parks a row as failed without burning a retry. It is for conditions
// outside the command's control, the device being offline above all: the row
// stays claimable until the device comes back, however long that takes.
func (b *sqlBatch) Defer(cmd *Command, msg string) error {
	_, err := b.tx.Exec(
		`UPDATE queued_command
		 SET status = 'failed', error_history = ?, processed_at = ?
		 WHERE id = ?`,
		appendHistoryOnce(cmd.ErrorHistory, msg), time.Now().UTC(), cmd.ID)
	return jerrors.Trace(err)
}

// Reset puts a claimed row back to pending without burning a retry.
func (b *sqlBatch) Reset(id int64) error {
	_, err := b.tx.Exec("UPDATE queued_command SET status = 'pending' WHERE id = ?", id)
	return jerrors.Trace(err)
}

func (b *sqlBatch) Commit() error {
	return jerrors.Trace(b.tx.Commit())
}

func (b *sqlBatch) Rollback() error {
	return jerrors.Trace(b.tx.Rollback())
}

// appendHistoryOnce is appendHistory, except a msg equal to the last entry
// is not recorded again. A device that stays offline for hours defers its
// rows every pass; one entry documents the whole outage.
func appendHistoryOnce(history, msg string) string {
	var entries []ErrorEntry
	if history != "" {
		if err := json.Unmarshal([]byte(history), &entries); err == nil {
			if n := len(entries); n > 0 && entries[n-1].Error == msg {
				return history
			}
		}
	}
	return appendHistory(history, msg)
}

func appendHistory(history, msg string) string {
	var entries []ErrorEntry
	if history != "" {
		if err := json.Unmarshal([]byte(history), &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, ErrorEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     msg,
	})
	data, err := json.Marshal(entries)
	if err != nil {
		return history
	}
	return string(data)
}
