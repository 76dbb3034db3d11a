package sync

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"

	"github.com/shinyes/yep_core/pkg/codec"
	"github.com/shinyes/yep_core/pkg/delta"
)

// Config 控制同步子系统参数。
type Config struct {
	FullSyncRatio        float64       // 缺失 dot 占比达到该值时发送全量状态。
	MaxFrameSize         int           // 单个帧的最大字节数。
	SessionTimeout       time.Duration // 单次会话的最长时间，0 表示不限制。
	GCInterval           time.Duration // GC 执行间隔。
	RequireCaughtUpForGC bool          // 只在本地已追上所有确认时回收序列墓碑。
	WireVersion          uint64        // 发送状态时使用的编码版本。
}

// Option 用于修改 Config 或引擎的协作者。
type Option func(*Engine)

// WithConfig 整体替换配置。
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithFullSyncRatio 设置全量回退阈值。
func WithFullSyncRatio(r float64) Option {
	return func(e *Engine) {
		e.cfg.FullSyncRatio = r
	}
}

// WithMaxFrameSize 设置最大帧大小。
func WithMaxFrameSize(n int) Option {
	return func(e *Engine) {
		e.cfg.MaxFrameSize = n
	}
}

// WithSessionTimeout 设置会话超时。
func WithSessionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.SessionTimeout = d
	}
}

// WithGCInterval 设置 GC 执行间隔。
func WithGCInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.GCInterval = d
	}
}

// WithWireVersion 设置发送时使用的编码版本，用于与尚未升级的对端通信。
func WithWireVersion(v uint64) Option {
	return func(e *Engine) {
		e.cfg.WireVersion = v
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// DefaultConfig 返回默认同步配置。
func DefaultConfig() Config {
	return Config{
		FullSyncRatio:        delta.DefaultFullSyncRatio,
		MaxFrameSize:         16 << 20, // 16MB
		SessionTimeout:       time.Minute,
		GCInterval:           time.Minute,
		RequireCaughtUpForGC: true,
		WireVersion:          codec.CurrentVersion,
	}
}

func (c Config) validate() error {
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be > 0, got %d", c.MaxFrameSize)
	}
	if c.SessionTimeout < 0 || c.GCInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.WireVersion < codec.MinVersion || c.WireVersion > codec.CurrentVersion {
		return fmt.Errorf("wire version %d outside supported range %d..%d", c.WireVersion, codec.MinVersion, codec.CurrentVersion)
	}
	return nil
}

// fileConfig 是 TOML 配置文件的结构，未出现的字段保持默认值。
type fileConfig struct {
	Sync struct {
		FullSyncRatio        *float64 `toml:"full_sync_ratio"`
		MaxFrameSize         *int     `toml:"max_frame_size"`
		SessionTimeout       *string  `toml:"session_timeout"`
		GCInterval           *string  `toml:"gc_interval"`
		RequireCaughtUpForGC *bool    `toml:"require_caught_up_for_gc"`
		WireVersion          *uint64  `toml:"wire_version"`
	} `toml:"sync"`
}

// LoadConfig 读取 TOML 格式的配置文件，并以 DefaultConfig 填充缺省字段。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return cfg, fmt.Errorf("failed to read in TOML config file at '%s' with: %w", path, err)
	}

	s := fc.Sync
	if s.FullSyncRatio != nil {
		cfg.FullSyncRatio = *s.FullSyncRatio
	}
	if s.MaxFrameSize != nil {
		cfg.MaxFrameSize = *s.MaxFrameSize
	}
	if s.RequireCaughtUpForGC != nil {
		cfg.RequireCaughtUpForGC = *s.RequireCaughtUpForGC
	}
	if s.WireVersion != nil {
		cfg.WireVersion = *s.WireVersion
	}
	for _, d := range []struct {
		raw *string
		dst *time.Duration
	}{{s.SessionTimeout, &cfg.SessionTimeout}, {s.GCInterval, &cfg.GCInterval}} {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		*d.dst = v
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
