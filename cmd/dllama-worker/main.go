// Command dllama-worker holds one output-row slice of every projection
// in a tensor-parallel transformer: it listens for root's single
// bootstrap connection (spec.md §4.9 "each worker runs a listen/accept"),
// receives its ModelSpec and sliced weights, then runs the worker half
// of the forward-pass task loop for as long as root keeps driving it.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/dllama-go/dllama/internal/bootstrap"
	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/envconfig"
	"github.com/dllama-go/dllama/internal/forward"
	"github.com/dllama-go/dllama/internal/pipeline"
)

func main() {
	if err := newWorkerCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		port       int
		nThreads   int
	)

	cmd := &cobra.Command{
		Use:           "dllama-worker",
		Short:         "Worker node of a tensor-parallel transformer inference cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fc, err := envconfig.LoadWorkerConfig(configPath)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("port") && fc.ListenPort > 0 {
					port = fc.ListenPort
				}
				if !cmd.Flags().Changed("threads") && fc.NThreads > 0 {
					nThreads = fc.NThreads
				}
			}
			return runWorker(port, nThreads)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML worker config {listenPort, nThreads} (spec.md §6)")
	cmd.Flags().IntVar(&port, "port", 9000, "TCP port to listen on for root's bootstrap connection")
	cmd.Flags().IntVar(&nThreads, "threads", 4, "compute threads")

	return cmd
}

func runWorker(port, nThreads int) error {
	slog.SetLogLoggerLevel(envconfig.LogLevel())

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	slog.Info("waiting for root", "port", port)
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	t, sock, err := bootstrap.LoadWorker(conn)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	slog.Info("bootstrap complete", "sliceIndex", t.SliceIndex, "arch", t.Spec.ArchType, "dim", t.Spec.Dim, "nLayers", t.Spec.NLayers)

	tasks := forward.WorkerTasks(t.Spec)
	loop := pipeline.NewTaskLoop(tasks, nThreads)
	state := &forward.WorkerState{T: t, Sock: sock}

	step := 0
	for {
		err := loop.Run(&pipeline.Context{NLayers: t.Spec.NLayers, Extra: state})
		if err == nil {
			step++
			continue
		}

		var peerDisconnected *dllamaerr.PeerDisconnectedError
		if errors.As(err, &peerDisconnected) || errors.Is(err, io.EOF) {
			slog.Info("root disconnected, exiting", "stepsServed", step)
			return nil
		}
		return fmt.Errorf("forward pass (step %d): %w", step, err)
	}
}
