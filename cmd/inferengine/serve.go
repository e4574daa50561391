/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"matrixinfer.ai/inferengine/pkg/apiserver"
	"matrixinfer.ai/inferengine/pkg/chattemplate"
	"matrixinfer.ai/inferengine/pkg/config"
	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/logger"
	"matrixinfer.ai/inferengine/pkg/metrics"
	"matrixinfer.ai/inferengine/pkg/scheduler"
	"matrixinfer.ai/inferengine/pkg/tokenizer"
)

var cfgPath string

func init() {
	serveCmd.Flags().StringVar(&cfgPath, "config", "", "path to the worker's YAML config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker's step loop against the configured model",
	Long: `serve loads a worker config, wires the tokenizer, chat template,
paged KV-cache, and scheduler, then drives the scheduler's step loop
until interrupted.

Examples:
  inferengine serve --config worker.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if level, parseErr := logrus.ParseLevel(cfg.LogLevel); parseErr == nil {
			_ = logger.SetLoggerLevel("default", level)
		}
	}
	log := logger.NewLogger("inferengine")

	tok, err := tokenizer.New(cfg.TokenizerVocabPath)
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}

	tplSrc, err := os.ReadFile(cfg.ChatTemplatePath)
	if err != nil {
		return fmt.Errorf("reading chat template: %w", err)
	}
	tpl, err := chattemplate.NewEvaluator().Compile(string(tplSrc))
	if err != nil {
		return fmt.Errorf("compiling chat template: %w", err)
	}

	// Model-weight loading and device placement are this spec's explicit
	// Non-goal (§4); placeholderModel stands in for a real architecture
	// so every other component can be wired and exercised end to end.
	model := newPlaceholderModel(cfg, tok.VocabSize())

	layout := model.KVCacheLayout()
	if cfg.NumBlocks > 0 {
		layout.NumBlocks = cfg.NumBlocks
	}
	if cfg.BlockSize > 0 {
		layout.BlockSize = cfg.BlockSize
	}
	cache := kvcache.NewManager(layout)

	sch := scheduler.New(scheduler.Config{
		Model:     model,
		Cache:     cache,
		Decoder:   tok,
		MaxBatch:  cfg.MaxBatch,
		BlockSize: layout.BlockSize,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Wire the intake boundary itself (rate limiter, auth, metrics); an
	// HTTP or gRPC transport in front of Server.Submit is out of scope
	// (§6's Non-goal on wire framing) — embedders call Submit directly.
	srv := &apiserver.Server{
		Scheduler: sch,
		Tokenizer: tok,
		Template:  tpl,
		Limiter:   apiserver.NewRateLimiter(cfg.RateLimit),
		Global:    apiserver.NewGlobalRateLimiter(cfg.GlobalRateLimit),
		Auth:      apiserver.NewAuthenticator(ctx, cfg.Auth),
		Metrics:   metrics.DefaultMetrics,
		MaxLength: cfg.MaxLength,
	}
	defer srv.Auth.Stop()

	log.WithField("maxBatch", cfg.MaxBatch).WithField("numBlocks", layout.NumBlocks).
		Info("worker ready, entering step loop")

	return runStepLoop(ctx, sch)
}

// runStepLoop drives the scheduler's single-worker-goroutine step loop
// (§4.5, §5) until ctx is cancelled, logging each failed step without
// stopping the loop — a Forward error on one batch should not take the
// whole worker down.
func runStepLoop(ctx context.Context, sch *scheduler.Scheduler) error {
	log := logger.NewLogger("inferengine")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		default:
		}
		if _, err := sch.Step(); err != nil {
			log.WithError(err).Warn("step failed")
		}
	}
}
