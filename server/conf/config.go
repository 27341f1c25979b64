package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/logger"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
bind-address	= 127.0.0.1
profile_port	= 6060
config_db	= /var/lib/mikrotik-manager/config.db
log_error	= /var/log/mikrotik-manager/error.log
log_infos	= /var/log/mikrotik-manager/manager.log
*/
type Cfg struct {
	Raw         *ini.File
	AppName     string
	BindAddress string
	ProfilePort int

	// sqlite config store holding devices, credentials and service settings
	ConfigDB string

	// app
	FailFastTimeout         string
	FailFastTimeoutDuration time.Duration

	// queue processor
	QueueBatchSize    int
	QueueIdleSleep    string
	QueueIdleSleepDur time.Duration

	// logs
	LogError string
	LogInfos string
	LogLevel string

	// per-connection tcp parameters of the local listeners
	SessionParam SessionParam
}

type SessionParam struct {
	TcpNoDelay              bool
	TcpKeepAlive            bool
	KeepAlivePeriod         string
	KeepAlivePeriodDuration time.Duration
	TcpRBufSize             int
	TcpWBufSize             int
	TcpReadTimeout          string
	TcpReadTimeoutDuration  time.Duration
	TcpWriteTimeout         string
	TcpWriteTimeoutDuration time.Duration
	MaxMsgLen               int
	SessionName             string
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                     ini.Empty(),
		AppName:                 "mikrotik-manager",
		BindAddress:             "127.0.0.1",
		ProfilePort:             6060,
		ConfigDB:                "config.db",
		FailFastTimeout:         "5s",
		FailFastTimeoutDuration: 5 * time.Second,
		QueueBatchSize:          20,
		QueueIdleSleep:          "2s",
		QueueIdleSleepDur:       2 * time.Second,
		LogError:                "/var/log/mikrotik-manager/error.log",
		LogInfos:                "/var/log/mikrotik-manager/manager.log",
		LogLevel:                "info",
		SessionParam: SessionParam{
			TcpNoDelay:              true,
			TcpKeepAlive:            true,
			KeepAlivePeriod:         "180s",
			KeepAlivePeriodDuration: 180 * time.Second,
			TcpRBufSize:             262144,
			TcpWBufSize:             65536,
			TcpReadTimeout:          "30s",
			TcpReadTimeoutDuration:  30 * time.Second,
			TcpWriteTimeout:         "5s",
			TcpWriteTimeoutDuration: 5 * time.Second,
			MaxMsgLen:               16 * 1024 * 1024,
			SessionName:             "proxy-session",
		},
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseManagerCfg(cfg.Raw.Section("manager"))
	cfg.parseSessionCfg(cfg.Raw.Section("session"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := "conf/manager.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("config file %s does not exist, using defaults", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Warnf("failed to parse config file %s: %v, using defaults", configFile, err)
		return ini.Empty(), nil
	}

	logger.Debugf("loaded config file: %s", configFile)
	return parsedFile, nil
}

func (cfg *Cfg) parseManagerCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.AppName = section.Key("app_name").MustString(cfg.AppName)
	cfg.BindAddress = section.Key("bind-address").MustString(cfg.BindAddress)
	cfg.ProfilePort = section.Key("profile_port").MustInt(cfg.ProfilePort)
	cfg.ConfigDB = section.Key("config_db").MustString(cfg.ConfigDB)

	cfg.FailFastTimeout = section.Key("fail_fast_timeout").MustString(cfg.FailFastTimeout)
	d, err := time.ParseDuration(cfg.FailFastTimeout)
	if err != nil {
		logger.Errorf("time.ParseDuration(FailFastTimeout{%#v}) = error{%v}", cfg.FailFastTimeout, err)
		os.Exit(1)
	}
	cfg.FailFastTimeoutDuration = d

	cfg.QueueBatchSize = section.Key("queue_batch_size").MustInt(cfg.QueueBatchSize)
	cfg.QueueIdleSleep = section.Key("queue_idle_sleep").MustString(cfg.QueueIdleSleep)
	d, err = time.ParseDuration(cfg.QueueIdleSleep)
	if err != nil {
		logger.Errorf("time.ParseDuration(QueueIdleSleep{%#v}) = error{%v}", cfg.QueueIdleSleep, err)
		os.Exit(1)
	}
	cfg.QueueIdleSleepDur = d

	return cfg
}

func (cfg *Cfg) parseSessionCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	p := &cfg.SessionParam

	p.TcpNoDelay = section.Key("tcp_no_delay").MustBool(p.TcpNoDelay)
	p.TcpKeepAlive = section.Key("tcp_keep_alive").MustBool(p.TcpKeepAlive)
	p.KeepAlivePeriod = section.Key("keep_alive_period").MustString(p.KeepAlivePeriod)
	p.TcpRBufSize = section.Key("tcp_r_buf_size").MustInt(p.TcpRBufSize)
	p.TcpWBufSize = section.Key("tcp_w_buf_size").MustInt(p.TcpWBufSize)
	p.TcpReadTimeout = section.Key("tcp_read_timeout").MustString(p.TcpReadTimeout)
	p.TcpWriteTimeout = section.Key("tcp_write_timeout").MustString(p.TcpWriteTimeout)
	p.MaxMsgLen = section.Key("max_msg_len").MustInt(p.MaxMsgLen)
	p.SessionName = section.Key("session_name").MustString(p.SessionName)

	var err error
	if p.KeepAlivePeriodDuration, err = time.ParseDuration(p.KeepAlivePeriod); err != nil {
		logger.Errorf("time.ParseDuration(KeepAlivePeriod{%#v}) = error{%v}", p.KeepAlivePeriod, err)
		os.Exit(1)
	}
	if p.TcpReadTimeoutDuration, err = time.ParseDuration(p.TcpReadTimeout); err != nil {
		logger.Errorf("time.ParseDuration(TcpReadTimeout{%#v}) = error{%v}", p.TcpReadTimeout, err)
		os.Exit(1)
	}
	if p.TcpWriteTimeoutDuration, err = time.ParseDuration(p.TcpWriteTimeout); err != nil {
		logger.Errorf("time.ParseDuration(TcpWriteTimeout{%#v}) = error{%v}", p.TcpWriteTimeout, err)
		os.Exit(1)
	}
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)

	logLevel := strings.ToLower(section.Key("log_level").MustString(cfg.LogLevel))
	switch logLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
		cfg.LogLevel = logLevel
	default:
		logger.Warnf("invalid log level '%s', using 'info'", logLevel)
		cfg.LogLevel = "info"
	}
	return cfg
}

// GetString returns the raw value of "section.key", or "".
func (cfg *Cfg) GetString(key string) string {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return cfg.Raw.Section(parts[0]).Key(parts[1]).MustString("")
}

// GetInt returns the raw value of "section.key" as an int, or 0.
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(parts[1]).MustInt(0)
}
