// Command dllama-root drives a tensor-parallel forward pass as the
// cluster's root node: it opens the model file, connects outbound to
// every worker (spec.md §4.9 "root connects outbound to each worker"),
// streams each its slice, then runs the root half of the forward-pass
// task loop once per requested step.
//
// The tokenizer and sampler are out of scope (spec.md Non-goals); this
// binary consumes token ids directly via --tokens and prints the
// resulting logits vector's argmax per step, the simplest thing that
// can stand in for a sampler without implementing one.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dllama-go/dllama/internal/bootstrap"
	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/envconfig"
	"github.com/dllama-go/dllama/internal/forward"
	"github.com/dllama-go/dllama/internal/pipeline"
	"github.com/dllama-go/dllama/internal/quant"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath     string
		modelPath      string
		workerEndpoint []string
		nThreads       int
		weightsDType   string
		bufferDType    string
		tokens         []string
	)

	cmd := &cobra.Command{
		Use:           "dllama-root",
		Short:         "Root node of a tensor-parallel transformer inference cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := rootOptions{
				modelPath:       modelPath,
				workerEndpoints: workerEndpoint,
				nThreads:        nThreads,
				weightsDType:    weightsDType,
				bufferDType:     bufferDType,
				tokens:          tokens,
			}
			if configPath != "" {
				if err := mergeRootFileConfig(&opts, cmd, configPath); err != nil {
					return err
				}
			}
			if opts.modelPath == "" {
				return fmt.Errorf("--model is required (directly or via --config)")
			}
			return runRoot(opts)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML cluster config (spec.md §6); flags passed explicitly still override it")
	cmd.Flags().StringVar(&modelPath, "model", "", "path to the model weights file (required unless set in --config)")
	cmd.Flags().StringSliceVar(&workerEndpoint, "worker", nil, "worker host:port, one per slice (repeatable; order fixes sliceIndex)")
	cmd.Flags().IntVar(&nThreads, "threads", 4, "compute threads per node")
	cmd.Flags().StringVar(&weightsDType, "weights-dtype", "Q4_0", "weight element type: F32, F16, Q4_0, Q8_0")
	cmd.Flags().StringVar(&bufferDType, "buffer-dtype", "Q8_0", "inter-node buffer element type: F32, F16, Q4_0, Q8_0")
	cmd.Flags().StringSliceVar(&tokens, "tokens", []string{"1"}, "token ids to run through the forward pass, one step per id")

	return cmd
}

// mergeRootFileConfig fills any flag the caller did not explicitly pass
// from the YAML config at configPath, leaving explicit flags untouched.
func mergeRootFileConfig(opts *rootOptions, cmd *cobra.Command, configPath string) error {
	fc, err := envconfig.LoadRootConfig(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("model") && fc.ModelPath != "" {
		opts.modelPath = fc.ModelPath
	}
	if !flags.Changed("worker") && len(fc.WorkerEndpoint) > 0 {
		opts.workerEndpoints = fc.WorkerEndpoint
	}
	if !flags.Changed("threads") && fc.NThreads > 0 {
		opts.nThreads = fc.NThreads
	}
	if !flags.Changed("weights-dtype") && fc.WeightsDType != "" {
		opts.weightsDType = fc.WeightsDType
	}
	if !flags.Changed("buffer-dtype") && fc.BufferDType != "" {
		opts.bufferDType = fc.BufferDType
	}
	if fc.TokenizerPath != "" {
		slog.Debug("config carries a tokenizer path; dllama-root consumes token ids directly (spec.md Non-goals)", "tokenizerPath", fc.TokenizerPath)
	}
	return nil
}

type rootOptions struct {
	modelPath       string
	workerEndpoints []string
	nThreads        int
	weightsDType    string
	bufferDType     string
	tokens          []string
}

func runRoot(opts rootOptions) error {
	slog.SetLogLoggerLevel(envconfig.LogLevel())

	weightsFloatType, err := quant.ParseDType(opts.weightsDType)
	if err != nil {
		return err
	}
	bufferFloatType, err := quant.ParseDType(opts.bufferDType)
	if err != nil {
		return err
	}

	conns, err := dialWorkers(opts.workerEndpoints)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	t, pool, err := bootstrap.LoadRoot(opts.modelPath, weightsFloatType, bufferFloatType, opts.nThreads, conns)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer pool.Close()

	slog.Info("bootstrap complete", "nSlices", t.Spec.NSlices, "arch", t.Spec.ArchType, "dim", t.Spec.Dim, "nLayers", t.Spec.NLayers)

	tasks := forward.RootTasks(t.Spec)
	loop := pipeline.NewTaskLoop(tasks, opts.nThreads)
	state := &forward.RootState{T: t, Pool: pool}

	for i, tok := range opts.tokens {
		token, err := strconv.Atoi(tok)
		if err != nil {
			return fmt.Errorf("parse --tokens[%d]=%q: %w", i, tok, err)
		}

		runID := uuid.New()
		start := time.Now()
		t.EmbedToken(token)
		t.Pos = i

		if err := loop.Run(&pipeline.Context{NLayers: t.Spec.NLayers, Extra: state}); err != nil {
			return fmt.Errorf("forward pass: %w", err)
		}

		argmax := argmaxLogits(t.Logits)
		slog.Info("forward pass complete", "run", runID, "step", i, "token", token, "argmax", argmax, "elapsed", time.Since(start))
	}

	loop.Stats.Render(os.Stdout)
	return nil
}

func dialWorkers(endpoints []string) ([]net.Conn, error) {
	timeout := time.Duration(envconfig.BootstrapTimeoutSeconds()) * time.Second
	conns := make([]net.Conn, 0, len(endpoints))
	for _, addr := range endpoints {
		conn, err := net.DialTimeout("tcp", strings.TrimSpace(addr), timeout)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, &dllamaerr.TimeoutError{Where: fmt.Sprintf("connect to worker %s", addr)}
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func argmaxLogits(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
