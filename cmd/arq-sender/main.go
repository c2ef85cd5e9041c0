// =============================================================================
// 文件: cmd/arq-sender/main.go
// 描述: 发送端入口 - 切片源文件，经中继以滑动窗口 ARQ 可靠发送
// =============================================================================
package main

import (
	"context"
	"errors"
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
	"github.com/mrcgq/arqfile/internal/filestore"
	"github.com/mrcgq/arqfile/internal/metrics"
	"github.com/mrcgq/arqfile/internal/transport"
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
	window := flag.Int("window", 0, "窗口大小")
	seqSpace := flag.Int("seq-space", 0, "序列号空间 (>= 2*window)")
	timeout := flag.Duration("timeout", 0, "窗口首段超时")
	relayHost := flag.String("relay-host", "", "中继主机")
	remoteName := flag.String("name", "", "发送给接收端的文件名 (默认取源文件名)")
	metricsListen := flag.String("metrics", "", "启用 Prometheus 监控并监听该地址")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] <本地端口> <接收端端口> <中继端口> <源文件>\n", os.Args[0])
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

	// 配置文件优先，命令行参数覆盖
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("配置错误: %v", err)
		}
		cfg = loaded
	}

	args := flag.Args()
	if len(args) != 0 && len(args) != 4 {
		flag.Usage()
		os.Exit(1)
	}
	if len(args) == 4 {
		ports, err := parsePorts(args[:3])
		if err != nil {
			fatal("%v", err)
		}
		cfg.Sender.Port, cfg.Sender.ReceiverPort, cfg.Sender.RelayPort = ports[0], ports[1], ports[2]
		cfg.Sender.Source = args[3]
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *window > 0 {
		cfg.ARQ.WindowSize = *window
	}
	if *seqSpace > 0 {
		cfg.ARQ.SeqSpace = *seqSpace
	}
	if *timeout > 0 {
		cfg.ARQ.TimeoutMs = int(*timeout / time.Millisecond)
	}
	if *relayHost != "" {
		cfg.Sender.RelayHost = *relayHost
	}
	if *remoteName != "" {
		cfg.Sender.RemoteName = *remoteName
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}

	if err := cfg.Validate(); err != nil {
		fatal("配置错误: %v", err)
	}
	if cfg.Sender.Source == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			fatal("传输被中断")
		}
		fatal("%v", err)
	}
}

func run(cfg *config.Config) error {
	src, err := filestore.OpenSource(cfg.Sender.Source, cfg.Sender.RemoteName)
	if err != nil {
		return err
	}
	defer src.Close()

	segments, err := transport.Slice(src.Name, src, cfg.ARQ.PayloadSize)
	if err != nil {
		return fmt.Errorf("切片失败: %w", err)
	}

	ch, err := transport.ListenUDPChannel(":"+strconv.Itoa(cfg.Sender.Port), cfg.SenderPeer())
	if err != nil {
		return err
	}
	defer ch.Close()

	arq := cfg.ToARQConfig(cfg.Sender.Port, cfg.Sender.ReceiverPort)
	tx, err := transport.NewARQSender(ch, segments, arq, cfg.LogLevel)
	if err != nil {
		return err
	}

	fmt.Printf("发送 %s (%d bytes, %d 个分段): :%d -> %s (dst_port=%d)\n",
		src.Name, src.Size, len(segments), cfg.Sender.Port, ch.Peer(), cfg.Sender.ReceiverPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	var tm *metrics.TransferMetrics
	if cfg.Metrics.Enabled {
		ms := metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		ms.MustRegisterCollector(metrics.NewSenderCollector(tx))
		tm = metrics.NewTransferMetrics(ms.GetRegistry(), arq.WindowSize, arq.SeqSpace)
		tx.SetObserver(tm)
		ms.SetHealthCheck(func() metrics.HealthStatus {
			return senderHealth(tx)
		})

		g.Go(func() error {
			return ms.Serve(metricsCtx)
		})
		fmt.Printf("监控: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	start := time.Now()
	g.Go(func() error {
		defer stopMetrics()
		return tx.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	stats := tx.GetStats()
	fmt.Printf("完成: %d 个分段, 发送 %d 次, 重传 %d 次, 超时 %d 次, 耗时 %v\n",
		stats.Segments, stats.SegmentsSent, stats.Retransmits, stats.Timeouts,
		time.Since(start).Truncate(time.Millisecond))

	if tm != nil {
		rtt := tm.RTT.Snapshot()
		if rtt.Samples > 0 {
			fmt.Printf("RTT: srtt %v, min %v, max %v, 建议超时 %v (当前 %v)\n",
				rtt.Smoothed.Truncate(time.Microsecond), rtt.Min, rtt.Max,
				tm.RTT.SuggestedTimeout().Truncate(time.Millisecond), arq.Timeout)
		}
	}
	return nil
}

func senderHealth(tx *transport.ARQSender) metrics.HealthStatus {
	stats := tx.GetStats()
	status := metrics.StatusHealthy
	if stats.Timeouts > 0 && stats.Timeouts*2 > stats.AcksSlide {
		status = metrics.StatusDegraded
	}
	return metrics.HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   Version,
		Components: map[string]metrics.ComponentHealth{
			"sender": {
				Status:  status,
				Message: fmt.Sprintf("window %d/%d, outstanding %d", stats.WindowStart, stats.Segments, stats.Outstanding),
			},
		},
	}
}

func parsePorts(args []string) ([]int, error) {
	ports := make([]int, len(args))
	for i, a := range args {
		p, err := strconv.Atoi(a)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("无效端口: %q", a)
		}
		ports[i] = p
	}
	return ports, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
	os.Exit(1)
}

func printVersion() {
	fmt.Printf("ARQ Sender v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  arq-sender 5000 6000 7000 ./file.bin")
	fmt.Println("  arq-sender -c config.yaml -window 16 -seq-space 64")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}
