// =============================================================================
// 文件: cmd/arq-receiver/main.go
// 描述: 接收端入口 - 按序接收分段写入文件，回送累计确认
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
	window := flag.Int("window", 0, "窗口大小 (需与发送端一致)")
	seqSpace := flag.Int("seq-space", 0, "序列号空间 (需与发送端一致)")
	linger := flag.Duration("linger", -1, "收到结束分段后继续应答的空闲时长")
	relayHost := flag.String("relay-host", "", "中继主机")
	relayPort := flag.Int("relay-port", -1, "中继端口 (0 表示直连发送端)")
	outDir := flag.String("out-dir", "", "输出目录")
	outName := flag.String("out-name", "", "输出文件名 (默认取对端发送的文件名)")
	metricsListen := flag.String("metrics", "", "启用 Prometheus 监控并监听该地址")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] <本地端口> <发送端端口>\n", os.Args[0])
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
	case 2:
		for i, dst := range []*int{&cfg.Receiver.Port, &cfg.Receiver.SenderPort} {
			p, err := strconv.Atoi(args[i])
			if err != nil || p < 1 || p > 65535 {
				fatal("无效端口: %q", args[i])
			}
			*dst = p
		}
	default:
		flag.Usage()
		os.Exit(1)
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
	if *linger >= 0 {
		cfg.ARQ.LingerMs = int(*linger / time.Millisecond)
	}
	if *relayHost != "" {
		cfg.Receiver.RelayHost = *relayHost
	}
	if *relayPort >= 0 {
		cfg.Receiver.RelayPort = *relayPort
	}
	if *outDir != "" {
		cfg.Receiver.OutputDir = *outDir
	}
	if *outName != "" {
		cfg.Receiver.OutputName = *outName
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}

	if err := cfg.Validate(); err != nil {
		fatal("配置错误: %v", err)
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			fatal("接收被中断")
		}
		fatal("%v", err)
	}
}

func run(cfg *config.Config) error {
	sink := filestore.NewFileSink(cfg.Receiver.OutputDir, cfg.Receiver.OutputName)

	arq := cfg.ToARQConfig(cfg.Receiver.Port, cfg.Receiver.SenderPort)
	rx, err := transport.NewARQReceiver(sink, arq, cfg.LogLevel)
	if err != nil {
		return err
	}

	ch, err := transport.ListenUDPChannel(":"+strconv.Itoa(cfg.Receiver.Port), cfg.ReceiverPeer())
	if err != nil {
		return err
	}
	defer ch.Close()

	fmt.Printf("接收端就绪: :%d <- %s (sender_port=%d), 输出目录 %s\n",
		cfg.Receiver.Port, ch.Peer(), cfg.Receiver.SenderPort, cfg.Receiver.OutputDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if cfg.Metrics.Enabled {
		ms := metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		ms.MustRegisterCollector(metrics.NewReceiverCollector(rx))
		ms.SetHealthCheck(func() metrics.HealthStatus {
			stats := rx.GetStats()
			return metrics.HealthStatus{
				Status:    metrics.StatusHealthy,
				Timestamp: time.Now(),
				Version:   Version,
				Components: map[string]metrics.ComponentHealth{
					"receiver": {
						Status:  metrics.StatusHealthy,
						Message: fmt.Sprintf("expected_seq %d, accepted %d", stats.ExpectedSeq, stats.Accepted),
					},
				},
			}
		})

		g.Go(func() error {
			return ms.Serve(metricsCtx)
		})
		fmt.Printf("监控: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	start := time.Now()
	g.Go(func() error {
		defer stopMetrics()
		return rx.Serve(gctx, ch)
	})

	if err := g.Wait(); err != nil {
		// 中断时关闭已写入的部分文件
		sink.Close()
		return err
	}

	stats := rx.GetStats()
	fmt.Printf("完成: %s (%d bytes), 接收 %d 个分段, 重复 %d, 丢弃 %d, 耗时 %v\n",
		sink.Path(), stats.BytesDelivered, stats.Accepted, stats.Duplicates, stats.Discarded,
		time.Since(start).Truncate(time.Millisecond))
	return nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
	os.Exit(1)
}

func printVersion() {
	fmt.Printf("ARQ Receiver v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  arq-receiver 6000 5000")
	fmt.Println("  arq-receiver -out-dir ./recv -linger 5s 6000 5000")
}
