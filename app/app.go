package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"equipment_lending/db"
	"equipment_lending/lending"
	"equipment_lending/notify"
	"equipment_lending/reconciler"
	"equipment_lending/session"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 简化别名，便于 handlers 调用
type Ctx = gin.Context
type H = gin.H

// App 聚合各依赖
type App struct {
	Router *gin.Engine
	DB     *gorm.DB
	RDB    *redis.Client
	Log    *zap.Logger
	Config Config

	Repo       *db.Repo
	Engine     *lending.Engine
	Notifier   *notify.Notifier
	Reconciler *reconciler.Reconciler
	Sessions   *session.AppSessionStore
	Throttle   *Throttle
}

// Config 从环境变量读取
type Config struct {
	Env      string
	Port     string
	LogLevel string

	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	RedisAddr string
	RedisPwd  string

	WebOrigin string
	IoTAPIKey string

	SessionTTL        time.Duration
	HeartbeatThrottle time.Duration
	LastSeenThrottle  time.Duration
	Sweeps            reconciler.Intervals
}

func (c Config) Production() bool { return c.Env == "production" }

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() Config {
	_ = godotenv.Load()

	get := func(k, def string) string {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			return def
		}
		return v
	}
	dur := func(k string, def time.Duration) time.Duration {
		v := get(k, "")
		if v == "" {
			return def
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// 纯数字按秒处理
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		return def
	}

	dsn := get("DATABASE_URL", "")
	if dsn == "" && get("DB_HOST", "") != "" {
		dsn = fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			get("DB_HOST", "127.0.0.1"),
			get("DB_USER", "postgres"),
			os.Getenv("DB_PASSWORD"),
			get("DB_NAME", "lending"),
			get("DB_PORT", "5432"),
		)
	}

	sweeps := reconciler.DefaultIntervals()
	return Config{
		Env:      get("APP_ENV", "development"),
		Port:     get("PORT", "3001"),
		LogLevel: get("LOG_LEVEL", "info"),

		DBDriver:    get("DB_DRIVER", "postgres"),
		DatabaseURL: dsn,
		SQLitePath:  get("SQLITE_PATH", "lending.db"),

		RedisAddr: get("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPwd:  os.Getenv("REDIS_PASSWORD"),

		WebOrigin: get("WEB_ORIGIN", "http://localhost:5173"),
		IoTAPIKey: os.Getenv("IOT_API_KEY"),

		SessionTTL:        dur("SESSION_TTL", 24*time.Hour),
		HeartbeatThrottle: dur("HEARTBEAT_THROTTLE", 30*time.Second),
		LastSeenThrottle:  dur("LAST_SEEN_THROTTLE", 5*time.Minute),
		Sweeps: reconciler.Intervals{
			Overdue:  dur("OVERDUE_SWEEP_INTERVAL", sweeps.Overdue),
			Presence: dur("PRESENCE_SWEEP_INTERVAL", sweeps.Presence),
			Repair:   dur("REPAIR_SWEEP_INTERVAL", sweeps.Repair),
		},
	}
}

// OpenDB connects to the configured store.
func OpenDB(cfg Config) (*gorm.DB, error) {
	level := logger.Warn
	if !cfg.Production() && cfg.LogLevel == "debug" {
		level = logger.Info
	}
	return db.Open(db.Options{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		LogLevel:    level,
		MaxOpenConn: 20,
	})
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPwd, DB: 0})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// New wires the stores, the lending engine and the HTTP engine. The caller
// registers routes and owns Close.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*App, error) {
	gdb, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rdb, err := OpenRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := db.NewRepo(gdb)
	notifier := notify.New(repo, repo, log.Named("notify"), notify.NewRedisDispatcher(rdb))
	eng := NewEngine(repo, notifier, log)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log.Named("http")))
	useCORS(r, cfg.WebOrigin)
	if err := RegisterValidators(); err != nil {
		return nil, err
	}

	return &App{
		Router:     r,
		DB:         gdb,
		RDB:        rdb,
		Log:        log,
		Config:     cfg,
		Repo:       repo,
		Engine:     eng,
		Notifier:   notifier,
		Reconciler: reconciler.New(eng, log.Named("sweep")),
		Sessions:   session.NewAppSessionStore(rdb, cfg.SessionTTL),
		Throttle:   NewThrottle(rdb),
	}, nil
}

// NewEngine builds the lending engine over one repository.
func NewEngine(repo *db.Repo, n lending.Notifier, log *zap.Logger) *lending.Engine {
	return lending.NewEngine(lending.Deps{
		Assets: repo,
		Loans:  repo,
		Users:  repo,
		Policy: repo,
		Rooms:  repo,
		Audit:  repo,
		Notify: n,
		Log:    log.Named("lending"),
	})
}

func (a *App) Close() {
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	if a.RDB != nil {
		_ = a.RDB.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.Log.Sync()
}
