// =============================================================================
// 文件: cmd/arq-relay/main.go
// 描述: 中继入口 - 按分段目的端口转发，可选注入丢包/重复/乱序
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/arqfile/internal/config"
	"github.com/mrcgq/arqfile/internal/metrics"
	"github.com/mrcgq/arqfile/internal/relay"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (可选)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	logLevel := flag.String("log", "", "日志级别: debug/info/error")
	host := flag.String("host", "", "转发目标主机")
	loss := flag.Float64("loss", -1, "丢包率 (0-1)")
	dup := flag.Float64("dup", -1, "重复率 (0-1)")
	reorder := flag.Float64("reorder", -1, "延迟转发比例 (0-1)")
	delay := flag.Duration("delay", 0, "延迟上限")
	seed := flag.Int64("seed", 0, "随机种子 (0 表示按时间)")
	metricsListen := flag.String("metrics", "", "启用 Prometheus 监控并监听该地址")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] <监听端口>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fatal("生成配置失败: %v", err)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("配置错误: %v", err)
		}
		cfg = loaded
	}

	args := flag.Args()
	switch len(args) {
	case 0:
	case 1:
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 || p > 65535 {
			fatal("无效端口: %q", args[0])
		}
		cfg.Relay.Port = p
	default:
		flag.Usage()
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *host != "" {
		cfg.Relay.Host = *host
	}
	if *loss >= 0 {
		cfg.Relay.LossRate = *loss
	}
	if *dup >= 0 {
		cfg.Relay.DuplicateRate = *dup
	}
	if *reorder >= 0 {
		cfg.Relay.ReorderRate = *reorder
	}
	if *delay > 0 {
		cfg.Relay.MaxDelayMs = int(*delay / time.Millisecond)
	}
	if *seed != 0 {
		cfg.Relay.Seed = *seed
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}

	if err := cfg.Validate(); err != nil {
		fatal("配置错误: %v", err)
	}

	if err := run(cfg); err != nil {
		fatal("%v", err)
	}
}

func run(cfg *config.Config) error {
	rc := relay.DefaultConfig()
	rc.Listen = ":" + strconv.Itoa(cfg.Relay.Port)
	rc.Host = cfg.Relay.Host
	rc.LossRate = cfg.Relay.LossRate
	rc.DuplicateRate = cfg.Relay.DuplicateRate
	rc.ReorderRate = cfg.Relay.ReorderRate
	rc.MaxDelay = time.Duration(cfg.Relay.MaxDelayMs) * time.Millisecond
	rc.Seed = cfg.Relay.Seed

	r, err := relay.New(rc, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		ms := metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		ms.MustRegisterCollector(metrics.NewRelayCollector(r))
		ms.SetHealthCheck(func() metrics.HealthStatus {
			status := metrics.StatusHealthy
			if !r.IsRunning() {
				status = metrics.StatusUnhealthy
			}
			stats := r.GetStats()
			return metrics.HealthStatus{
				Status:    status,
				Timestamp: time.Now(),
				Version:   Version,
				Components: map[string]metrics.ComponentHealth{
					"relay": {
						Status: status,
						Message: fmt.Sprintf("recv %d, forwarded %d, dropped %d",
							stats.PacketsRecv, stats.PacketsForwarded, stats.PacketsDropped),
					},
				},
			}
		})

		g.Go(func() error {
			return ms.Serve(gctx)
		})
		fmt.Printf("监控: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	g.Go(func() error {
		return r.Serve(gctx)
	})

	fmt.Println("中继运行中，按 Ctrl+C 停止")

	err = g.Wait()

	stats := r.GetStats()
	fmt.Printf("中继已停止: 收到 %d, 转发 %d, 丢弃 %d, 重复 %d, 延迟 %d, 无效 %d\n",
		stats.PacketsRecv, stats.PacketsForwarded, stats.PacketsDropped,
		stats.PacketsDuplicated, stats.PacketsDelayed, stats.Malformed)
	return err
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
	os.Exit(1)
}

func printVersion() {
	fmt.Printf("ARQ Relay v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  arq-relay 7000")
	fmt.Println("  arq-relay -loss 0.1 -dup 0.05 -reorder 0.1 -delay 20ms 7000")
}
