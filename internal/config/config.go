package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"r2r-test-station/internal/types"
)

// Config 定义工站一次运行的全部配置，运行期间不可变
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Station   StationConfig   `mapstructure:"station"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Transport TransportConfig `mapstructure:"transport"`
	Printer   PrinterConfig   `mapstructure:"printer"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Report    ReportConfig    `mapstructure:"report"`
	Resume    bool            `mapstructure:"resume"` // 从日志恢复外部编号和卷带位置
}

// StationConfig 控制器与流水线参数
type StationConfig struct {
	Name                    string        `mapstructure:"name"`
	PrintOffset             int           `mapstructure:"print_offset"` // 测试位到打印位的步数
	ScanOffset              int           `mapstructure:"scan_offset"`  // 打印位（或测试位）到扫描位的步数
	Tick                    time.Duration `mapstructure:"tick"`
	StartTimeout            time.Duration `mapstructure:"start_timeout"`
	DrainTimeout            time.Duration `mapstructure:"drain_timeout"`
	ReadyTimeout            time.Duration `mapstructure:"ready_timeout"`      // 超时即判定缺标
	TriggerTimeout          time.Duration `mapstructure:"trigger_timeout"`    // 单次测试等待结果的时间
	ValidationTimeout       time.Duration `mapstructure:"validation_timeout"` // 等待打印/扫码确认的时间
	QueueTimeout            time.Duration `mapstructure:"queue_timeout"`
	MissingLabelMode        bool          `mapstructure:"missing_label_mode"`
	MaxMissingLabels        int           `mapstructure:"max_missing_labels"`
	MaxBlacklistAppearances int           `mapstructure:"max_blacklist_appearances"`
}

// PolicyConfig 停机策略
type PolicyConfig struct {
	DesiredTested      int64    `mapstructure:"desired_tested"`
	DesiredPassed      int64    `mapstructure:"desired_passed"`
	MaxFailStreak      int64    `mapstructure:"max_fail_streak"`
	MinYield           float64  `mapstructure:"min_yield"`
	YieldWindow        int      `mapstructure:"yield_window"`
	YieldWarmup        int64    `mapstructure:"yield_warmup"`
	PassResponseDiff   float64  `mapstructure:"pass_response_diff"` // 0 表示关闭
	PassResponseOffset int64    `mapstructure:"pass_response_offset"`
	Rules              []string `mapstructure:"rules"` // expr 表达式，为真即停机
}

// TransportConfig 卷对卷执行器
type TransportConfig struct {
	PulseWidth time.Duration `mapstructure:"pulse_width"`
	RunLine    int           `mapstructure:"run_line"`
	AuxLine    int           `mapstructure:"aux_line"`
	PassLine   int           `mapstructure:"pass_line"`
	FailLine   int           `mapstructure:"fail_line"`
	GPIORoot   string        `mapstructure:"gpio_root"`
	Simulate   bool          `mapstructure:"simulate"`
}

// PrinterConfig 标签打印机
type PrinterConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CommandAttempts int           `mapstructure:"command_attempts"`
	PassJob         string        `mapstructure:"pass_job"`
	FailJob         string        `mapstructure:"fail_job"`
	PassLine        int           `mapstructure:"pass_line"`
	FailLine        int           `mapstructure:"fail_line"`
	JobFormat       string        `mapstructure:"job_format"` // BARCODE 或 SGTIN
	Prefix          string        `mapstructure:"prefix"`
	Digits          int           `mapstructure:"digits"`
	StartCounter    int64         `mapstructure:"start_counter"`
	LineSelection   bool          `mapstructure:"line_selection"`
	CompareLine     bool          `mapstructure:"compare_line"`
}

// ScannerConfig 光学扫码器
type ScannerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Address          string        `mapstructure:"address"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Trigger          string        `mapstructure:"trigger"`
	MaxReadAttempts  int           `mapstructure:"max_read_attempts"`
	MatchSuffix      int           `mapstructure:"match_suffix"` // 只比较外部 ID 的末尾字符数，0 为全量比较
	MaxBadReads      int           `mapstructure:"max_bad_reads"`
	MaxBadReadStreak int           `mapstructure:"max_bad_read_streak"`
}

// EngineConfig 射频测试引擎
type EngineConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	Simulate      bool    `mapstructure:"simulate"`
	Seed          int64   `mapstructure:"seed"`
	PassRate      float64 `mapstructure:"pass_rate"`
	MissingRate   float64 `mapstructure:"missing_rate"`
	DuplicateRate float64 `mapstructure:"duplicate_rate"`
}

// ReportConfig 报告与持久化
type ReportConfig struct {
	JournalPath  string `mapstructure:"journal_path"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`
	HTTPAddr     string `mapstructure:"http_addr"`
}

// Offsets 返回流水线偏移
func (c *Config) Offsets() types.PipelineOffset {
	return types.PipelineOffset{Print: c.Station.PrintOffset, Scan: c.Station.ScanOffset}
}

// SetDefaults 写入全部默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("station.name", "r2r-station")
	v.SetDefault("station.print_offset", 1)
	v.SetDefault("station.scan_offset", 0)
	v.SetDefault("station.tick", 100*time.Millisecond)
	v.SetDefault("station.start_timeout", 10*time.Second)
	v.SetDefault("station.drain_timeout", 5*time.Second)
	v.SetDefault("station.ready_timeout", 2500*time.Millisecond)
	v.SetDefault("station.trigger_timeout", 2500*time.Millisecond)
	v.SetDefault("station.validation_timeout", 5*time.Second)
	v.SetDefault("station.queue_timeout", time.Second)
	v.SetDefault("station.missing_label_mode", true)
	v.SetDefault("station.max_missing_labels", 6)
	v.SetDefault("station.max_blacklist_appearances", 3)

	v.SetDefault("policy.max_fail_streak", 50)
	v.SetDefault("policy.min_yield", 40)
	v.SetDefault("policy.yield_window", 50)
	v.SetDefault("policy.yield_warmup", 200)
	v.SetDefault("policy.pass_response_offset", 100)

	v.SetDefault("transport.pulse_width", 50*time.Millisecond)
	v.SetDefault("transport.run_line", 3)
	v.SetDefault("transport.aux_line", 4)
	v.SetDefault("transport.pass_line", 1)
	v.SetDefault("transport.fail_line", 2)
	v.SetDefault("transport.gpio_root", "/sys/class/gpio")

	v.SetDefault("printer.timeout", 2*time.Second)
	v.SetDefault("printer.command_attempts", 3)
	v.SetDefault("printer.pass_job", "PASS")
	v.SetDefault("printer.fail_job", "FAIL")
	v.SetDefault("printer.pass_line", 1)
	v.SetDefault("printer.fail_line", 2)
	v.SetDefault("printer.job_format", "BARCODE")
	v.SetDefault("printer.digits", 4)
	v.SetDefault("printer.line_selection", true)

	v.SetDefault("scanner.timeout", 300*time.Millisecond)
	v.SetDefault("scanner.trigger", "LON\r")
	v.SetDefault("scanner.max_read_attempts", 5)
	v.SetDefault("scanner.match_suffix", 4)
	v.SetDefault("scanner.max_bad_reads", 10)
	v.SetDefault("scanner.max_bad_read_streak", 3)

	v.SetDefault("engine.pass_rate", 0.9)

	v.SetDefault("report.journal_path", "data/journal.log")
	v.SetDefault("report.amqp_exchange", "r2r.events")
	v.SetDefault("report.http_addr", ":8080")
}

// Load 从指定路径（为空时在当前目录查找 config.yaml）加载配置
// 环境变量 R2R_<SECTION>_<KEY> 覆盖文件中的值
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("R2R")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// 默认值总能解析
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Station
	check(s.PrintOffset >= 0, "station.print_offset 不能为负: %d", s.PrintOffset)
	check(s.ScanOffset >= 0, "station.scan_offset 不能为负: %d", s.ScanOffset)
	check(s.Tick > 0, "station.tick 必须大于 0")
	check(s.ReadyTimeout > 0, "station.ready_timeout 必须大于 0")
	check(s.TriggerTimeout > 0, "station.trigger_timeout 必须大于 0")
	check(s.ValidationTimeout > 0, "station.validation_timeout 必须大于 0")
	check(s.MaxMissingLabels >= 1, "station.max_missing_labels 至少为 1")

	p := c.Policy
	check(p.MinYield >= 0 && p.MinYield <= 100, "policy.min_yield 超出 [0,100]: %v", p.MinYield)
	check(p.YieldWindow >= 1, "policy.yield_window 至少为 1")
	check(p.PassResponseDiff >= 0 && p.PassResponseDiff <= 100, "policy.pass_response_diff 超出 [0,100]")

	check(c.Transport.PulseWidth > 0, "transport.pulse_width 必须大于 0")

	if c.Printer.Enabled {
		pr := c.Printer
		check(pr.Address != "", "printer.address 不能为空")
		check(pr.CommandAttempts >= 1, "printer.command_attempts 至少为 1")
		check(pr.Digits >= 1, "printer.digits 至少为 1")
		check(pr.PassJob != "" && pr.FailJob != "", "printer.pass_job/fail_job 不能为空")
		switch pr.JobFormat {
		case "BARCODE":
		case "SGTIN":
			check(len(pr.Prefix) >= 26, "SGTIN 前缀至少 26 个字符: %q", pr.Prefix)
		default:
			errs = append(errs, fmt.Errorf("未知的 printer.job_format: %q", pr.JobFormat))
		}
	}

	if c.Scanner.Enabled {
		sc := c.Scanner
		check(sc.Address != "", "scanner.address 不能为空")
		check(sc.MaxReadAttempts >= 1, "scanner.max_read_attempts 至少为 1")
		check(sc.MaxBadReads >= 1, "scanner.max_bad_reads 至少为 1")
		check(sc.MaxBadReadStreak >= 1, "scanner.max_bad_read_streak 至少为 1")
		check(sc.MatchSuffix >= 0, "scanner.match_suffix 不能为负")
	}

	if !c.Engine.Simulate {
		check(c.Engine.Endpoint != "", "engine.endpoint 不能为空（或启用 engine.simulate）")
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
