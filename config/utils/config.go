// Package config provides utilities to load orchestrator environment variables
// & set config structs, it includes app, logger, redis cache, db, message queue,
// http server and orchestration environment variables.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database,
// cache, message queue, http server and the orchestration core
type (
	AppConfig struct {
		App          *App          `mapstructure:"app"`
		Redis        *Redis        `mapstructure:"redis"`
		Logger       *Logger       `mapstructure:"logger"`
		DB           *DB           `mapstructure:"db"`
		MQ           *MQ           `mapstructure:"mq"`
		HTTP         *HTTP         `mapstructure:"http"`
		Orchestrator *Orchestrator `mapstructure:"orchestrator"`
		Monitoring   *Monitoring   `mapstructure:"monitoring"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// MQ contains all the environment variables for the message broker
	MQ struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		VHost    string `mapstructure:"vhost"`
	}

	// HTTP contains all the environment variables for the api server
	HTTP struct {
		Port      string `mapstructure:"port"`
		RateLimit int    `mapstructure:"rate_limit"` // requests/minute on /execute, 0 disables
	}

	// Orchestrator contains the orchestration core's capacity budget,
	// scheduling knobs and the static agent catalog
	Orchestrator struct {
		MaxTotalMemory        string        `mapstructure:"max_total_memory"` // e.g. "16G"
		MaxTotalCPU           float64       `mapstructure:"max_total_cpu"`    // cores
		MaxParallelAgents     int           `mapstructure:"max_parallel_agents"`
		DefaultMode           string        `mapstructure:"default_mode"` // hint, not enforced
		TickSeconds           int           `mapstructure:"tick_seconds"`
		DefaultTimeoutSeconds int           `mapstructure:"default_timeout_seconds"`
		Agents                []AgentConfig `mapstructure:"agents"`
	}

	// AgentConfig is one static agent catalog entry
	AgentConfig struct {
		Name   string  `mapstructure:"name"`
		Role   string  `mapstructure:"role"`
		Image  string  `mapstructure:"image"`
		CPUs   float64 `mapstructure:"cpus"`
		Memory string  `mapstructure:"memory"` // e.g. "2G"
	}

	// Monitoring contains the environment variables for the metrics backend
	Monitoring struct {
		PrometheusURL string `mapstructure:"prometheus_url"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// Tick returns the dispatch loop interval, defaulting to one second.
func (o *Orchestrator) Tick() time.Duration {
	if o.TickSeconds <= 0 {
		return time.Second
	}
	return time.Duration(o.TickSeconds) * time.Second
}

// DefaultTimeout returns the task timeout applied when a submission omits one.
func (o *Orchestrator) DefaultTimeout() time.Duration {
	if o.DefaultTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(o.DefaultTimeoutSeconds) * time.Second
}

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind MQ variables
	viper.BindEnv("mq.host", "MQ_HOST")
	viper.BindEnv("mq.port", "MQ_PORT")
	viper.BindEnv("mq.user", "MQ_WORKER_USER")
	viper.BindEnv("mq.password", "MQ_WORKER_PASS")

	// Bind orchestration budget variables
	viper.BindEnv("orchestrator.max_total_memory", "MAX_TOTAL_MEMORY")
	viper.BindEnv("orchestrator.max_total_cpu", "MAX_TOTAL_CPU")
	viper.BindEnv("orchestrator.max_parallel_agents", "MAX_PARALLEL_AGENTS")
	viper.BindEnv("orchestrator.default_mode", "ORCHESTRATION_MODE")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}
