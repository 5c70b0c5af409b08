package config

import (
	"time"

	"github.com/spf13/viper"
)

// defaultSectors maps each validator sector to its tracked symbols. Ten
// sectors for the ten-validator default, 167*3 symbol slots upstream.
var defaultSectors = map[string][]string{
	"technology":     {"AAPL", "MSFT", "NVDA", "AMD", "AVGO", "ORCL", "CRM", "ADBE", "INTC", "CSCO", "QCOM", "TXN"},
	"healthcare":     {"JNJ", "UNH", "PFE", "MRK", "ABBV", "LLY", "TMO", "ABT", "AMGN", "BMY"},
	"financials":     {"JPM", "BAC", "WFC", "GS", "MS", "C", "BLK", "SCHW", "AXP", "USB"},
	"energy":         {"XOM", "CVX", "COP", "SLB", "EOG", "PSX", "MPC", "OXY", "VLO", "HAL"},
	"consumer":       {"AMZN", "TSLA", "HD", "MCD", "NKE", "SBUX", "LOW", "TGT", "COST", "WMT"},
	"industrials":    {"CAT", "BA", "HON", "UPS", "GE", "DE", "LMT", "RTX", "UNP", "FDX"},
	"materials":      {"LIN", "APD", "SHW", "FCX", "NEM", "DOW", "DD", "NUE", "ECL", "ALB"},
	"utilities":      {"NEE", "DUK", "SO", "D", "AEP", "EXC", "SRE", "XEL", "PEG", "ED"},
	"realestate":     {"PLD", "AMT", "CCI", "EQIX", "SPG", "O", "PSA", "WELL", "AVB", "EQR"},
	"communications": {"GOOGL", "META", "NFLX", "DIS", "CMCSA", "T", "VZ", "TMUS", "CHTR", "EA"},
}

// defaultSectorLimits lowers exposure ceilings for defensive and volatile
// sectors; everything else takes the default limit.
var defaultSectorLimits = map[string]float64{
	"technology": 0.30,
	"energy":     0.20,
	"materials":  0.20,
	"utilities":  0.15,
	"realestate": 0.20,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)

	v.SetDefault("streams.max_len", 1000)
	v.SetDefault("streams.consume_count", 10)
	v.SetDefault("streams.consume_block", 2*time.Second)
	v.SetDefault("streams.error_backoff", 5*time.Second)
	v.SetDefault("streams.retention", 24*time.Hour)

	v.SetDefault("scanners.count", 167)
	v.SetDefault("scanners.max_symbols", 3)
	v.SetDefault("scanners.light_interval", 5*time.Minute)
	v.SetDefault("scanners.deep_interval", time.Minute)
	v.SetDefault("scanners.health_interval", 30*time.Second)
	v.SetDefault("scanners.min_price", 5.0)
	v.SetDefault("scanners.min_volume", 1_000_000.0)
	v.SetDefault("scanners.min_change_pct", 2.0)
	v.SetDefault("scanners.deep_scan_threshold", 70.0)

	v.SetDefault("supervisors.count", 20)
	v.SetDefault("supervisors.min_score", 60.0)
	v.SetDefault("supervisors.min_reliability", 0.40)
	v.SetDefault("supervisors.min_consensus", 0.30)
	v.SetDefault("supervisors.consensus_band", 15.0)
	v.SetDefault("supervisors.reliability_window", 24*time.Hour)

	v.SetDefault("validators.count", 10)
	v.SetDefault("validators.max_sector_positions", 3)
	v.SetDefault("validators.risk_ceiling", 0.70)
	v.SetDefault("validators.default_sector_limit", 0.25)
	v.SetDefault("validators.sector_limits", defaultSectorLimits)
	v.SetDefault("validators.nominal_position_pct", 0.05)

	v.SetDefault("authority.min_confidence", 70.0)
	v.SetDefault("authority.position_size_pct", 0.05)
	v.SetDefault("authority.max_loss_pct", 0.02)
	v.SetDefault("authority.llm_endpoint", "")
	v.SetDefault("authority.llm_api_key", "")
	v.SetDefault("authority.llm_model", "gpt-4o-mini")
	v.SetDefault("authority.llm_timeout", 20*time.Second)

	v.SetDefault("orchestrator.health_interval", 30*time.Second)
	v.SetDefault("orchestrator.stats_interval", 10*time.Second)
	v.SetDefault("orchestrator.stop_timeout", 5*time.Second)
	v.SetDefault("orchestrator.max_restarts_per_cycle", 3)

	v.SetDefault("bridge.streams", []string{"signals:universe", "signals:final"})

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "cascade.decisions")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)

	v.SetDefault("sectors", defaultSectors)
}
