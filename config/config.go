// Package config loads the backend's flat key=value properties file into
// an AppConfig, applying the same default-on-missing-or-invalid rule as
// _examples/original_source/src/app_config.cpp. Parsing is done with
// spf13/viper configured for the "props" format (backed transitively by
// magiconair/properties) rather than a hand-rolled scanner — see
// DESIGN.md and SPEC_FULL.md §6/§11.
package config

import (
	"bytes"
	"os"

	"github.com/spf13/viper"
)

// AppConfig mirrors backend::AppConfig field-for-field, plus the two
// SPEC_FULL.md §6 additions (NatsURL, AdminAddr).
type AppConfig struct {
	NodeName string
	LogLevel string

	TcpPort uint16

	TcpIOThreads  int
	UdpIOThreads  int
	WorkerThreads int
	DiskThreads   int
	LogThreads    int
	TimerThreads  int

	QueueSizeIOToWorker   int
	QueueSizeWorkerToIO   int
	QueueSizeWorkerToDisk int
	QueueSizeWorkerToLog  int

	LuaMainScript string

	// SPEC_FULL.md §6 [ADD]
	NatsURL   string
	AdminAddr string
}

func defaults() AppConfig {
	return AppConfig{
		NodeName:              "embedded-node",
		LogLevel:              "info",
		TcpPort:               9000,
		TcpIOThreads:          4,
		UdpIOThreads:          2,
		WorkerThreads:         8,
		DiskThreads:           3,
		LogThreads:            1,
		TimerThreads:          1,
		QueueSizeIOToWorker:   65536,
		QueueSizeWorkerToIO:   65536,
		QueueSizeWorkerToDisk: 16384,
		QueueSizeWorkerToLog:  16384,
		LuaMainScript:         "scripts/main.lua",
		NatsURL:               "",
		AdminAddr:             "127.0.0.1:9100",
	}
}

// LoadFromFile reads path as a flat "key = value" properties file.
// Invalid or missing values fall back to defaults silently, per spec.md §6.
func LoadFromFile(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	return parse(data)
}

func parse(data []byte) (AppConfig, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigType("props")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return AppConfig{}, err
	}

	if s := v.GetString("node_name"); s != "" {
		cfg.NodeName = s
	}
	if s := v.GetString("log_level"); s != "" {
		cfg.LogLevel = s
	}
	cfg.TcpPort = readPort(v, "tcp_port", cfg.TcpPort)
	cfg.TcpIOThreads = readPositiveInt(v, "tcp_io_threads", cfg.TcpIOThreads)
	cfg.UdpIOThreads = readPositiveInt(v, "udp_io_threads", cfg.UdpIOThreads)
	cfg.WorkerThreads = readPositiveInt(v, "worker_threads", cfg.WorkerThreads)
	cfg.DiskThreads = readPositiveInt(v, "disk_threads", cfg.DiskThreads)
	cfg.LogThreads = readPositiveInt(v, "log_threads", cfg.LogThreads)
	cfg.TimerThreads = readPositiveInt(v, "timer_threads", cfg.TimerThreads)
	cfg.QueueSizeIOToWorker = readPositiveInt(v, "queue_size_io_to_worker", cfg.QueueSizeIOToWorker)
	cfg.QueueSizeWorkerToIO = readPositiveInt(v, "queue_size_worker_to_io", cfg.QueueSizeWorkerToIO)
	cfg.QueueSizeWorkerToDisk = readPositiveInt(v, "queue_size_worker_to_disk", cfg.QueueSizeWorkerToDisk)
	cfg.QueueSizeWorkerToLog = readPositiveInt(v, "queue_size_worker_to_log", cfg.QueueSizeWorkerToLog)
	if s := v.GetString("lua_main_script"); s != "" {
		cfg.LuaMainScript = s
	}
	if v.IsSet("nats_url") {
		cfg.NatsURL = v.GetString("nats_url")
	}
	if s := v.GetString("admin_addr"); s != "" {
		cfg.AdminAddr = s
	} else if v.IsSet("admin_addr") {
		// explicit empty value disables the admin surface
		cfg.AdminAddr = ""
	}

	return cfg, nil
}

func readPort(v *viper.Viper, key string, fallback uint16) uint16 {
	if !v.IsSet(key) {
		return fallback
	}
	n := v.GetInt(key)
	if n <= 0 || n > 65535 {
		return fallback
	}
	return uint16(n)
}

func readPositiveInt(v *viper.Viper, key string, fallback int) int {
	if !v.IsSet(key) {
		return fallback
	}
	n := v.GetInt(key)
	if n <= 0 {
		return fallback
	}
	return n
}
