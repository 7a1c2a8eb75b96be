package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var model string
	var port string
	var gpuMem string
	var maxLen string
	var trust bool
	var module string
	// Accept the subset of server flags the supervisor passes
	flag.StringVar(&module, "m", "", "module name, ignored")
	flag.StringVar(&model, "model", "", "model path")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&gpuMem, "gpu-memory-utilization", "", "gpu memory fraction")
	flag.StringVar(&maxLen, "max-model-len", "", "max context length")
	flag.BoolVar(&trust, "trust-remote-code", false, "trust remote code")
	flag.Parse()

	// Failure modes are driven by env so tests do not need extra flags.
	switch os.Getenv("FAKE_INFER_MODE") {
	case "crash":
		fmt.Fprintln(os.Stderr, "RuntimeError: CUDA out of memory")
		os.Exit(3)
	case "mute":
		// Block forever without listening; a bare select{} would trip the
		// runtime deadlock detector, so wait on a signal that never comes
		// until the supervisor kills the process.
		hang := make(chan os.Signal, 1)
		signal.Notify(hang, syscall.SIGTERM, syscall.SIGINT)
		<-hang
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"` + model + `","object":"model"}]}`))
	})

	srv := &http.Server{Addr: "127.0.0.1:" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
