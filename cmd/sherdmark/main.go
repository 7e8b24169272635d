package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ivlev/sherdmark/internal/config"
	"github.com/ivlev/sherdmark/internal/inference"
	"github.com/ivlev/sherdmark/internal/logging"
	"github.com/ivlev/sherdmark/internal/pipeline"
	"github.com/ivlev/sherdmark/internal/report"
	"github.com/ivlev/sherdmark/internal/server"
	"github.com/ivlev/sherdmark/internal/sherd"
	"github.com/ivlev/sherdmark/internal/system"
	"github.com/ivlev/sherdmark/internal/tags"
)

func main() {
	configPtr := flag.String("config", "sherdmark.yaml", "YAML config file (optional; environment and .env are always read)")
	inputPtr := flag.String("input", "", "Photo, PDF scan or directory of photos (default: newest image in the input directory)")
	weightPtr := flag.Float64("weight", 0, "Total weight to distribute across detected sherds (0 = config default)")
	workersPtr := flag.Int("workers", 0, "Concurrent workflow calls in directory mode (0 = config default)")
	dpiPtr := flag.Int("dpi", 0, "DPI used to rasterize PDF scans (0 = config default)")
	qualityPtr := flag.Int("quality", 0, "JPEG quality of the annotated image (0 = config default)")
	savePtr := flag.Bool("save", false, "Store annotated image and summaries under the output directory")
	tagsPtr := flag.Bool("tags", false, "Write a QR bag tag per sherd (implies -save)")
	jsonPtr := flag.Bool("json", false, "Print the result JSON to stdout")
	statsPtr := flag.Bool("stats", false, "Log host CPU/memory and cap workers accordingly")
	lastPtr := flag.Bool("last", false, "Print the records of the most recent saved run and exit")
	servePtr := flag.String("serve", "", "Serve POST /v1/process on this address instead of a one-shot run (\"default\" = config listen address)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output())
		fmt.Fprintln(flag.CommandLine.Output(), config.Usage())
	}
	flag.Parse()

	cfg, err := config.Load(*configPtr)
	if err != nil {
		log.Fatalf("[-] Configuration error: %v", err)
	}
	if *workersPtr > 0 {
		cfg.Workers = *workersPtr
	}
	if *dpiPtr > 0 {
		cfg.DPI = *dpiPtr
	}
	if *qualityPtr > 0 {
		cfg.JPEGQuality = *qualityPtr
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("[-] Logger error: %v", err)
	}
	defer logger.Sync()

	if *lastPtr {
		dir, summary, err := report.LoadLatest(cfg.OutputDir)
		if err != nil {
			log.Fatalf("[-] No saved run: %v", err)
		}
		fmt.Printf("[*] Run %s (%s)\n", summary.RunID, dir)
		printResult(summary.Source, summary.TotalWeight, summary.Sherds)
		return
	}

	if err := system.EnsureDir(cfg.InputDir); err != nil {
		logger.Fatal("create input directory", zap.Error(err))
	}

	if *statsPtr {
		stats, err := system.ReadHostStats()
		if err != nil {
			logger.Warn("host stats unavailable", zap.Error(err))
		} else {
			workers := system.WorkerLimit(cfg.Workers, stats)
			logger.Info("host stats",
				zap.Int("cpus", stats.LogicalCPUs),
				zap.Uint64("mem_total", stats.TotalMemory),
				zap.Uint64("mem_available", stats.AvailMemory),
				zap.Float64("mem_used_percent", stats.MemUsedPercent),
				zap.Int("workers", workers),
			)
			cfg.Workers = workers
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := inference.NewClient(inference.Options{
		ServiceURL: cfg.ServiceURL,
		APIKey:     cfg.APIKey,
		Workspace:  cfg.Workspace,
		WorkflowID: cfg.WorkflowID,
		Timeout:    cfg.RequestTimeout,
	}, logger)

	proc := pipeline.NewProcessor(client, pipeline.Options{
		OutputDir:   cfg.OutputDir,
		TotalWeight: cfg.TotalWeight,
		JPEGQuality: cfg.JPEGQuality,
		DPI:         cfg.DPI,
		Workers:     cfg.Workers,
	}, logger)

	if *servePtr != "" {
		addr := *servePtr
		if addr == "default" {
			addr = cfg.Listen
		}
		if err := server.Run(ctx, addr, server.New(proc, logger), logger); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
		return
	}

	inputPath := *inputPtr
	if inputPath == "" {
		latest, err := system.FindLatestImage(cfg.InputDir)
		if err != nil {
			log.Fatalf("[-] Error: %v. Put a photo into %s/", err, cfg.InputDir)
		}
		inputPath = latest
		fmt.Printf("[*] Selected file: %s\n", inputPath)
	}

	fi, err := os.Stat(inputPath)
	if err != nil {
		log.Fatalf("[-] Input error: %v", err)
	}

	var results []*pipeline.Result
	if fi.IsDir() {
		results, err = proc.ProcessDir(ctx, inputPath, *weightPtr)
	} else {
		var res *pipeline.Result
		res, err = proc.Process(ctx, inputPath, *weightPtr)
		results = []*pipeline.Result{res}
	}
	if err != nil {
		log.Fatalf("[-] Processing failed: %v", err)
	}

	for _, res := range results {
		printResult(res.Source, res.TotalWeight, res.Sherds)

		if *savePtr || *tagsPtr {
			run := report.NewRun(res)
			dir, err := report.Write(cfg.OutputDir, run)
			if err != nil {
				log.Fatalf("[-] Saving report failed: %v", err)
			}
			fmt.Printf("[+] Saved: %s\n", dir)

			if *tagsPtr {
				paths, err := tags.Write(dir, run.ID, res.Sherds)
				if err != nil {
					log.Fatalf("[-] Writing bag tags failed: %v", err)
				}
				fmt.Printf("[+] Bag tags: %d\n", len(paths))
			}
		}

		if *jsonPtr {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				log.Fatalf("[-] Encoding result failed: %v", err)
			}
		}
	}
}

func printResult(source string, totalWeight float64, records []sherd.Record) {
	fmt.Printf("[+] %s: %d sherds, total weight %.2f\n", source, len(records), totalWeight)
	for _, s := range records {
		fmt.Printf("    %-10s %8.2f  %s\n", s.SherdID, s.Weight, s.Caption())
	}
}
