package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/humus"
)

func main() {
	count := flag.Int("count", 1000, "Number of documents to generate")
	password := flag.String("password", "", "Encrypt the databases with this password")
	keep := flag.Bool("keep", false, "Keep the benchmark directory after running")
	flag.Parse()

	// 1. Setup Namespace
	benchDir, err := os.MkdirTemp("", "humus_bench_")
	if err != nil {
		panic(err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []humus.Option{humus.WithDirectory(benchDir), humus.WithLogger(logger)}
	if *password != "" {
		opts = append(opts, humus.WithEncryptionKey(humus.PasswordKey(*password)))
	}

	ctx := context.Background()
	src, err := humus.Open(ctx, "source", opts...)
	if err != nil {
		panic(err)
	}
	defer src.Close()
	dst, err := humus.Open(ctx, "target", opts...)
	if err != nil {
		panic(err)
	}
	defer dst.Close()

	// 2. Individual saves: one commit each
	half := *count / 2
	fmt.Printf("Saving %d documents one by one...\n", half)
	start := time.Now()
	for i := 0; i < half; i++ {
		doc := humus.NewDocument(fmt.Sprintf("single/%d", i)).
			Set("title", fmt.Sprintf("Document %d", i)).
			Set("tags", []any{"benchmark", "single"})
		if _, err := src.Save(ctx, doc); err != nil {
			panic(err)
		}
	}
	single := time.Since(start)

	// 3. Batched saves: one commit for everything
	fmt.Printf("Saving %d documents in one batch...\n", *count-half)
	start = time.Now()
	err = src.InBatch(ctx, func(b *humus.Batch) error {
		for i := half; i < *count; i++ {
			doc := humus.NewDocument(fmt.Sprintf("batch/%d", i)).
				Set("title", fmt.Sprintf("Document %d", i)).
				Set("tags", []any{"benchmark", "batch"})
			if _, err := b.Save(doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
	batched := time.Since(start)

	// 4. One-shot push into an empty database
	fmt.Println("Replicating...")
	r, err := humus.NewReplicator(humus.ReplicatorConfig{
		Database: src,
		Target:   humus.DatabaseTarget(dst),
		Type:     humus.Push,
		Logger:   logger,
	})
	if err != nil {
		panic(err)
	}
	start = time.Now()
	r.Start()
	<-r.Done()
	replicated := time.Since(start)
	if err := r.Status().Error; err != nil {
		panic(err)
	}

	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d documents):\n", *count)
	fmt.Printf("  Single saves: %v\n", single)
	fmt.Printf("  Batch save:   %v\n", batched)
	fmt.Printf("  Replication:  %v (%d revisions)\n", replicated, r.Status().Progress.Completed)
	fmt.Printf("--------------------------------------------------\n")
}
