package benchmarks

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/neo4j/neo4j-sub258/server"
	"go.uber.org/zap"
)

// loadConfig adds -config to flagset, parses args and loads that file.
func loadConfig(flagset *flag.FlagSet, args []string) *common.Config {
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	cfg := loadConfig(flagset, args)

	store := kvstore.NewKeyValStore(cfg.Cluster)
	defer store.Close()

	// Write ThroughPut
	fmt.Println("Running Performance Check: Client Read Write Throughput")
	start := time.Now()
	failed := 0
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			failed++
		}
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests (%d failed) took %s on %d servers.\n", numRequests, failed, writeTime, len(cfg.Cluster))

	// Read ThroughPut
	start = time.Now()
	failed = 0
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		if _, _, err := store.Get(key); err != nil {
			failed++
		}
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests (%d failed) took %s on %d servers.\n", numRequests, failed, readTime, len(cfg.Cluster))
}

// BenchmarkServerCatchUpTime writes while one server is down, then starts
// that server in this process and measures how long it takes to apply
// everything it missed.
func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	cfg := loadConfig(flagset, args)
	if laggingServerIndex < 0 || laggingServerIndex >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", laggingServerIndex, len(cfg.Cluster))
		os.Exit(2)
	}

	store := kvstore.NewKeyValStore(cfg.Cluster)
	defer store.Close()

	fmt.Println("Running Performance Check: Server catch up time")
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			fmt.Println(err)
		}
	}

	lagging, err := server.Start(zap.NewNop(), cfg, cfg.Cluster[laggingServerIndex].ID)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer lagging.Stop()

	start := time.Now()
	lastKey := fmt.Sprintf("key%d", numRequests-1)
	// Assuming correctness
	for {
		if _, ok := lagging.KV.Lookup(lastKey); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numRequests, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	var numRequests, numClients int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&numClients, "numClients", 10, "Number of concurrent clients")
	cfg := loadConfig(flagset, args)

	if numClients <= 0 {
		fmt.Printf("invalid number of clients: %d\n", numClients)
		os.Exit(2)
	}

	// Write ThroughPut
	fmt.Println("Running Performance Check: Parallel Client Write Throughput")
	reqsPerClient := numRequests / numClients
	var wg sync.WaitGroup
	start := time.Now()
	for c := 0; c < numClients; c++ {
		index := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			store := kvstore.NewKeyValStore(cfg.Cluster)
			defer store.Close()
			for i := index * reqsPerClient; i < (index+1)*reqsPerClient; i++ {
				key := fmt.Sprintf("key%d", i)
				val := fmt.Sprintf("val%d", i)
				_, _ = store.Set(key, val)
			}
		}()
	}
	wg.Wait()
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests from %d clients took %s on %d servers.\n", reqsPerClient*numClients, numClients, writeTime, len(cfg.Cluster))
}
