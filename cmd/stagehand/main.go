// =============================================================================
// Stagehand 主入口
// =============================================================================
// 缓存管理 CLI，检查和维护选择器/动作序列缓存
//
// 使用方法:
//
//	stagehand cache stats                    # 查看缓存统计
//	stagehand cache list                     # 列出全部条目
//	stagehand cache clear                    # 清空缓存
//	stagehand cache clear --expired-only     # 只清过期条目
//	stagehand cache export backup.json       # 导出缓存
//	stagehand cache import backup.json       # 导入缓存（本地优先）
//	stagehand cache search "login"           # 检索条目
//	stagehand version                        # 显示版本信息
// =============================================================================
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/srszzw/stagehand-glm/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "cache":
		os.Exit(runCache(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("Stagehand %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Stagehand - browser automation cache toolkit

Usage:
  stagehand <command> [options]

Commands:
  cache     Inspect and maintain the selector/action cache
  version   Show version information
  help      Show this help message

Cache subcommands:
  cache stats                 Show cache statistics
  cache list                  List all cached entries
  cache clear                 Remove all entries
  cache clear --expired-only  Remove only expired entries
  cache export <file>         Export the cache to a JSON file
  cache import <file>         Merge entries from a JSON file (local wins)
  cache search <query>        Search instructions, URLs and descriptions

Common options:
  --config <path>   Path to configuration file (YAML)
  --cache <path>    Override the cache file path

Examples:
  stagehand cache stats
  stagehand cache clear --expired-only
  stagehand cache export backup.json
  stagehand cache search "login button"`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
