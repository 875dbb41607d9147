package logger

// DefaultConfig applies to any logger the configuration does not name.
var DefaultConfig = Config{
	Level:       "info",
	OutputPaths: []string{"stdout"},
	Encoding: Encoding{
		TimeKey:         "time",
		LevelKey:        "level",
		NameKey:         "logger",
		CallerKey:       "caller",
		MessageKey:      "msg",
		StacktraceKey:   "stacktrace",
		LevelEncoder:    "lowercase",
		TimeEncoder:     "iso8601",
		DurationEncoder: "string",
		CallerEncoder:   "short",
	},
	LogRotation: LogRotation{
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	},
	Sanitization: Sanitization{
		SensitiveFields: []string{
			"password",
			"new_password",
			"current_password",
			"password_hash",
			"token",
			"jwt_secret",
			"bot_token",
			"chat_id",
		},
		Mask: "****",
	},
}

func assignDefaultValues(cfg *Config) {
	d := DefaultConfig
	if cfg.Level == "" {
		cfg.Level = d.Level
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = d.OutputPaths
	}
	e := &cfg.Encoding
	if e.TimeKey == "" {
		e.TimeKey = d.Encoding.TimeKey
	}
	if e.LevelKey == "" {
		e.LevelKey = d.Encoding.LevelKey
	}
	if e.NameKey == "" {
		e.NameKey = d.Encoding.NameKey
	}
	if e.CallerKey == "" {
		e.CallerKey = d.Encoding.CallerKey
	}
	if e.MessageKey == "" {
		e.MessageKey = d.Encoding.MessageKey
	}
	if e.StacktraceKey == "" {
		e.StacktraceKey = d.Encoding.StacktraceKey
	}
	if cfg.LogRotation.MaxSizeMB == 0 {
		cfg.LogRotation.MaxSizeMB = d.LogRotation.MaxSizeMB
	}
	if cfg.LogRotation.MaxBackups == 0 {
		cfg.LogRotation.MaxBackups = d.LogRotation.MaxBackups
	}
	if cfg.LogRotation.MaxAgeDays == 0 {
		cfg.LogRotation.MaxAgeDays = d.LogRotation.MaxAgeDays
	}
	if len(cfg.Sanitization.SensitiveFields) == 0 {
		cfg.Sanitization.SensitiveFields = d.Sanitization.SensitiveFields
	}
	if cfg.Sanitization.Mask == "" {
		cfg.Sanitization.Mask = d.Sanitization.Mask
	}
}
