package main

import (
	"flag"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server"
	"github.com/zhukovaskychina/mikrotik-manager/server/conf"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "configPath", "", "path to manager.ini")
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}

	config := conf.NewCfg().Load(args)

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	manager := server.NewManager(config)
	if err := manager.Serve(); err != nil {
		logger.Fatalf("manager failed to start: %v", err)
	}
}
