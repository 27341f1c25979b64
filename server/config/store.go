package config

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/zhukovaskychina/mikrotik-manager/logger"

	jerrors "github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = jerrors.New("config: not found")

const minProxyPort = 9000

const schema = `
CREATE TABLE IF NOT EXISTS mikrotik_devices (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT    NOT NULL UNIQUE,
	host            TEXT    NOT NULL,
	port            INTEGER NOT NULL DEFAULT 8728,
	user            TEXT    NOT NULL,
	password        TEXT    NOT NULL,
	proxy_port      INTEGER NOT NULL UNIQUE,
	netflow_enabled INTEGER NOT NULL DEFAULT 0,
	enabled         INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS service_config (
	key   TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL
);
`

// Device is one managed router: where to reach it, the credentials the
// upstream session logs in with, and the local proxy port clients connect to.
type Device struct {
	ID             int64
	Name           string
	Host           string
	Port           int
	User           string
	Password       string
	ProxyPort      int
	NetflowEnabled bool
	Enabled        bool
}

// Addr returns the upstream "host:port" dial address.
func (d *Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Store is the SQLite-backed device and service configuration database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the config database at path and ensures the
// schema exists. Path ":memory:" yields a throwaway in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open config db %s", path)
	}
	// sqlite handles one writer at a time; a single conn sidesteps
	// SQLITE_BUSY under concurrent admin calls.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, jerrors.Annotatef(err, "init config schema %s", path)
	}
	logger.Debugf("config store opened: %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const deviceCols = "id, name, host, port, user, password, proxy_port, netflow_enabled, enabled"

func scanDevice(row interface{ Scan(...interface{}) error }) (Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &d.User, &d.Password,
		&d.ProxyPort, &d.NetflowEnabled, &d.Enabled)
	return d, err
}

func (s *Store) queryDevices(query string, args ...interface{}) ([]Device, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, jerrors.Trace(err)
		}
		out = append(out, d)
	}
	return out, jerrors.Trace(rows.Err())
}

// Devices returns every configured device, enabled or not.
func (s *Store) Devices() ([]Device, error) {
	return s.queryDevices("SELECT " + deviceCols + " FROM mikrotik_devices ORDER BY id")
}

// EnabledDevices returns the devices the supervisor should run.
func (s *Store) EnabledDevices() ([]Device, error) {
	return s.queryDevices("SELECT " + deviceCols + " FROM mikrotik_devices WHERE enabled = 1 ORDER BY id")
}

func (s *Store) GetDevice(id int64) (*Device, error) {
	row := s.db.QueryRow("SELECT "+deviceCols+" FROM mikrotik_devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	return &d, nil
}

// AddDevice inserts a new device. A zero ProxyPort gets the smallest free
// port >= 9000.
func (s *Store) AddDevice(d *Device) (int64, error) {
	if d.Port == 0 {
		d.Port = 8728
	}
	if d.ProxyPort == 0 {
		port, err := s.NextProxyPort()
		if err != nil {
			return 0, jerrors.Trace(err)
		}
		d.ProxyPort = port
	}
	res, err := s.db.Exec(
		`INSERT INTO mikrotik_devices (name, host, port, user, password, proxy_port, netflow_enabled, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Host, d.Port, d.User, d.Password, d.ProxyPort, d.NetflowEnabled, d.Enabled)
	if err != nil {
		return 0, jerrors.Annotatef(err, "add device %s", d.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, jerrors.Trace(err)
	}
	d.ID = id
	return id, nil
}

func (s *Store) UpdateDevice(d *Device) error {
	res, err := s.db.Exec(
		`UPDATE mikrotik_devices
		 SET name = ?, host = ?, port = ?, user = ?, password = ?, proxy_port = ?, netflow_enabled = ?, enabled = ?
		 WHERE id = ?`,
		d.Name, d.Host, d.Port, d.User, d.Password, d.ProxyPort, d.NetflowEnabled, d.Enabled, d.ID)
	if err != nil {
		return jerrors.Annotatef(err, "update device %d", d.ID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RemoveDevice(id int64) error {
	res, err := s.db.Exec("DELETE FROM mikrotik_devices WHERE id = ?", id)
	if err != nil {
		return jerrors.Annotatef(err, "remove device %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextProxyPort returns the smallest local listener port >= 9000 not assigned
// to any device.
func (s *Store) NextProxyPort() (int, error) {
	rows, err := s.db.Query(
		"SELECT proxy_port FROM mikrotik_devices WHERE proxy_port >= ? ORDER BY proxy_port", minProxyPort)
	if err != nil {
		return 0, jerrors.Trace(err)
	}
	defer rows.Close()

	next := minProxyPort
	for rows.Next() {
		var p int
		if err = rows.Scan(&p); err != nil {
			return 0, jerrors.Trace(err)
		}
		if p > next {
			break
		}
		if p == next {
			next++
		}
	}
	return next, jerrors.Trace(rows.Err())
}

// ServiceConfig returns the whole service_config table as a map.
func (s *Store) ServiceConfig() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM service_config")
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, jerrors.Trace(err)
		}
		out[k] = v
	}
	return out, jerrors.Trace(rows.Err())
}

func (s *Store) SetServiceConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO service_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return jerrors.Annotatef(err, "set service config %s", key)
}

// QueueDSN assembles the MySQL DSN of the durable command queue from the
// db_* service_config keys.
func (s *Store) QueueDSN() (string, error) {
	cfg, err := s.ServiceConfig()
	if err != nil {
		return "", jerrors.Trace(err)
	}
	get := func(key, def string) string {
		if v, ok := cfg[key]; ok && v != "" {
			return v
		}
		return def
	}
	host := get("db_host", "127.0.0.1")
	port := get("db_port", "3306")
	user := get("db_user", "mikrotik")
	pass := get("db_password", "")
	name := get("db_name", "mikrotik_manager")
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4",
		user, pass, host, port, name), nil
}

// EnsureUser creates the admin user when missing; the stored hash is
// hex(sha256(password)).
func (s *Store) EnsureUser(username, password string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO users (username, password_hash) VALUES (?, ?)",
		username, hashPassword(password))
	return jerrors.Annotatef(err, "ensure user %s", username)
}

// Authenticate reports whether username/password match a stored user.
func (s *Store) Authenticate(username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, jerrors.Trace(err)
	}
	return hash == hashPassword(password), nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
