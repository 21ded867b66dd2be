package env

import (
	"os"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MakeLogger builds the JSON production logger. With a log file configured
// entries are also written to it, rotated by size.
func MakeLogger(conf *Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if conf != nil && conf.LogLevel != "" {
		if err := level.UnmarshalText([]byte(conf.LogLevel)); err != nil {
			return nil, err
		}
	}

	if conf == nil || conf.LogFile == "" {
		logConfig := zap.NewProductionConfig()
		logConfig.Level = level
		logConfig.Encoding = "json"

		return logConfig.Build()
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   conf.LogFile,
		MaxSize:    conf.LogMaxSizeMB,
		MaxBackups: conf.LogMaxBackups,
		MaxAge:     conf.LogMaxAgeDays,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(encoder, file, level),
	)

	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}
