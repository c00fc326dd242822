package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// 默认值沿用derecho.cfg的[DERECHO]/[PERS]段
const (
	DefaultMaxPayloadSize = 10240
	DefaultBlockSize      = 1048576
	DefaultWindowSize     = 16
	DefaultTimeoutMS      = 1
	DefaultSendAlgorithm  = "binomial_send"

	PersistenceBackendFile = "file"
	PersistenceBackendKV   = "kv"
)

// Config group构造时读一次，group存活期内全部不变
type Config struct {
	// 本节点的全局ID，成员服务分配
	LocalID uint32 `mapstructure:"local_id"`

	// 单条消息payload上限(字节)
	MaxPayloadSize int64 `mapstructure:"max_payload_size"`
	// 块传输的block大小，max_msg_size向上对齐到它
	BlockSize int64 `mapstructure:"block_size"`
	// 每个发送者在途消息上限，>=1
	WindowSize int64 `mapstructure:"window_size"`
	// heartbeat间隔
	TimeoutMS int64 `mapstructure:"timeout_ms"`
	// 透传给块传输层的多播算法
	SendAlgorithm string `mapstructure:"rdmc_send_algorithm"`

	// 持久化日志路径，空字符串关掉持久化
	PersistenceFile string `mapstructure:"persistence_file"`
	// file或者kv(goleveldb)
	PersistenceBackend string `mapstructure:"persistence_backend"`

	// json-rpc监听地址，空字符串不起rpc
	RPCListenAddress string `mapstructure:"rpc_laddr"`
}

func DefaultConfig() *Config {
	return &Config{
		LocalID:            0,
		MaxPayloadSize:     DefaultMaxPayloadSize,
		BlockSize:          DefaultBlockSize,
		WindowSize:         DefaultWindowSize,
		TimeoutMS:          DefaultTimeoutMS,
		SendAlgorithm:      DefaultSendAlgorithm,
		PersistenceFile:    "",
		PersistenceBackend: PersistenceBackendFile,
		RPCListenAddress:   "",
	}
}

// TestConfig 小窗口小消息，测试和单机实验用
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxPayloadSize = 1024
	cfg.BlockSize = 4096
	cfg.WindowSize = 4
	cfg.TimeoutMS = 10
	return cfg
}

func (cfg *Config) PersistenceEnabled() bool {
	return cfg.PersistenceFile != ""
}

func (cfg *Config) ValidateBasic() error {
	if cfg.MaxPayloadSize <= 0 {
		return errors.New("max_payload_size must be positive")
	}
	if cfg.BlockSize <= 0 {
		return errors.New("block_size must be positive")
	}
	if cfg.WindowSize < 1 {
		return errors.New("window_size must be at least 1")
	}
	if cfg.TimeoutMS <= 0 {
		return errors.New("timeout_ms must be positive")
	}
	if cfg.PersistenceBackend != PersistenceBackendFile && cfg.PersistenceBackend != PersistenceBackendKV {
		return errors.Errorf("unknown persistence_backend %q", cfg.PersistenceBackend)
	}
	return nil
}

// LoadConfig 从viper读配置，命令行 > 配置文件 > 默认值
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}
