package common

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger는 중앙 Config 기준으로 구성된 zap 로거를 생성합니다.
// name이 비어 있지 않으면 Named 로거를 반환합니다.
func NewLogger(name string) (*zap.Logger, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewLoggerWithConfig(name, cfg)
}

// NewLoggerWithConfig는 주어진 Config로 로거를 생성합니다.
// production 환경은 JSON 인코딩, 그 외에는 개발용 콘솔 인코딩을 사용합니다.
func NewLoggerWithConfig(name string, cfg *Config) (*zap.Logger, error) {
	zcfg := zapConfigFor(cfg.App.ENV)

	// RUNSYNC_LOG_LEVEL이 설정되어 있으면 적용
	if cfg.App.LogLevel != "" {
		if level, err := zap.ParseAtomicLevel(cfg.App.LogLevel); err == nil {
			zcfg.Level = level
		}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}

// zapConfigFor는 실행 환경에 맞는 zap 설정을 반환합니다.
func zapConfigFor(env string) zap.Config {
	if env == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}
	return zap.NewDevelopmentConfig()
}
