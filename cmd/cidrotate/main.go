package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"cidrotate/internal/allocator"
	"cidrotate/internal/api"
	"cidrotate/internal/auth"
	"cidrotate/internal/config"
	"cidrotate/internal/coordination"
	"cidrotate/internal/database"
	"cidrotate/internal/importer"
	"cidrotate/internal/phone"
	"cidrotate/internal/websocket"
)

const defaultConfigPath = "/etc/cidrotate/cidrotate.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		cmdStart()
	case "number":
		cmdNumber()
	case "hash":
		cmdHash()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Cidrotate - Caller-ID Rotation Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cidrotate start                       Start the full service")
	fmt.Println("  cidrotate number add <args>           Add a caller-ID to the pool")
	fmt.Println("  cidrotate number list                 List the caller-ID pool")
	fmt.Println("  cidrotate number import <file.csv>    Bulk-import caller-IDs")
	fmt.Println("  cidrotate number deactivate <number>  Pull a caller-ID out of rotation")
	fmt.Println("  cidrotate number delete <number>      Remove a caller-ID")
	fmt.Println("  cidrotate hash <password>             Hash an admin password for the config")
	fmt.Println("  cidrotate status                      Show service status hints")
	fmt.Println()
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CIDROTATE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Error loading configuration: %v", err)
	}
	return cfg
}

func openRepository(cfg *config.Config) (*database.Connection, *database.Repository) {
	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Error connecting to database: %v", err)
	}
	if err := database.EnsureSchema(dbConn.DB); err != nil {
		log.Fatalf("[Main] Error ensuring schema: %v", err)
	}
	return dbConn, database.NewRepository(dbConn)
}

// cmdStart boots every component and blocks until SIGINT/SIGTERM.
func cmdStart() {
	log.Println("[Main] Cidrotate Service v1.0")
	log.Println("[Main] Starting services...")

	cfg := loadConfig()

	dbConn, repo := openRepository(cfg)
	defer dbConn.Close()
	log.Println("[Main] ✓ Database connected")

	var store coordination.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := coordination.NewRedisStore(cfg.Redis)
		if err != nil {
			log.Fatalf("[Main] Error connecting to Redis: %v", err)
		}
		store = redisStore
		log.Println("[Main] ✓ Redis coordination store connected")
	} else {
		store = coordination.NewMemoryStore()
		log.Println("[Main] WARNING: No Redis configured, using in-process coordination store (single node only)")
	}
	defer store.Close()

	engine := allocator.New(repo, store, repo, cfg.Allocator)

	hub := websocket.NewHub()
	go hub.Run()
	log.Println("[Main] ✓ WebSocket hub started")

	cleaner := database.NewReservationCleaner(repo)
	cleaner.Start()
	defer cleaner.Stop()

	authn := auth.NewAuthenticator(cfg.Auth)
	apiServer := api.NewServer(cfg, engine, repo, authn, hub)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error starting API: %v", err)
		}
	}()
	log.Println("[Main] ✓ REST API server started")

	log.Println("[Main] ========================================")
	log.Printf("[Main] API listening on %s", cfg.API.Address())
	log.Printf("[Main] Reservation TTL: %ds, agent rate limit: %d/min",
		cfg.Allocator.ReservationTTLSeconds, cfg.Allocator.AgentRateLimitPerMinute)
	log.Println("[Main] Service started. Press Ctrl+C to stop")
	log.Println("[Main] ========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Stopping service...")
	repo.Close()
}

// cmdNumber manages the caller-ID pool.
func cmdNumber() {
	if len(os.Args) < 3 {
		fmt.Println("Usage:")
		fmt.Println("  cidrotate number add --number <n> [--carrier <c>] [--area-code <a>] [--hourly-cap <n>] [--daily-cap <n>]")
		fmt.Println("  cidrotate number list")
		fmt.Println("  cidrotate number import <file.csv>")
		fmt.Println("  cidrotate number deactivate <number>")
		fmt.Println("  cidrotate number delete <number>")
		os.Exit(1)
	}

	subcommand := os.Args[2]
	cfg := loadConfig()
	dbConn, repo := openRepository(cfg)
	defer dbConn.Close()
	defer repo.Close()

	switch subcommand {
	case "add":
		cmdNumberAdd(repo, cfg)
	case "list":
		cmdNumberList(repo)
	case "import":
		if len(os.Args) < 4 {
			fmt.Println("Usage: cidrotate number import <file.csv>")
			os.Exit(1)
		}
		cmdNumberImport(repo, cfg, os.Args[3])
	case "deactivate":
		if len(os.Args) < 4 {
			fmt.Println("Usage: cidrotate number deactivate <number>")
			os.Exit(1)
		}
		cmdNumberDeactivate(repo, os.Args[3])
	case "delete":
		if len(os.Args) < 4 {
			fmt.Println("Usage: cidrotate number delete <number>")
			os.Exit(1)
		}
		cmdNumberDelete(repo, os.Args[3])
	default:
		fmt.Printf("Unknown subcommand: %s\n", subcommand)
		os.Exit(1)
	}
}

func cmdNumberAdd(repo *database.Repository, cfg *config.Config) {
	c := &database.CallerID{
		HourlyCap: cfg.Allocator.DefaultHourlyCap,
		DailyCap:  cfg.Allocator.DefaultDailyCap,
		Active:    true,
	}

	for i := 3; i < len(os.Args); i += 2 {
		if i+1 >= len(os.Args) {
			break
		}
		key, val := os.Args[i], os.Args[i+1]
		switch key {
		case "--number":
			c.Number = phone.Normalize(val)
		case "--carrier":
			c.Carrier = val
		case "--area-code":
			c.AreaCode = val
		case "--hourly-cap":
			c.HourlyCap, _ = strconv.Atoi(val)
		case "--daily-cap":
			c.DailyCap, _ = strconv.Atoi(val)
		case "--metadata":
			c.Metadata = val
		}
	}

	if !phone.ValidCallerID(c.Number) {
		fmt.Printf("Error: --number must be %d-%d digits\n", phone.MinCallerIDDigits, phone.MaxDigits)
		os.Exit(1)
	}
	if c.AreaCode == "" {
		c.AreaCode = phone.AreaCode(c.Number)
	}
	if c.HourlyCap > c.DailyCap {
		fmt.Printf("Error: --hourly-cap %d exceeds --daily-cap %d\n", c.HourlyCap, c.DailyCap)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.CreateCallerID(ctx, c); err != nil {
		fmt.Printf("Error creating caller-ID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Caller-ID %s added (area %s, caps %d/hour %d/day)\n",
		c.Number, c.AreaCode, c.HourlyCap, c.DailyCap)
}

func cmdNumberList(repo *database.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	numbers, err := repo.ListCallerIDs(ctx)
	if err != nil {
		fmt.Printf("Error listing caller-IDs: %v\n", err)
		os.Exit(1)
	}

	if len(numbers) == 0 {
		fmt.Println("No caller-IDs configured")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tAREA\tCARRIER\tHOURLY\tDAILY\tACTIVE\tLAST USED")
	fmt.Fprintln(w, "------\t----\t-------\t------\t-----\t------\t---------")
	for _, c := range numbers {
		lastUsed := "never"
		if c.LastUsedAt != nil {
			lastUsed = c.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\t%s\n",
			c.Number, c.AreaCode, c.Carrier, c.HourlyCap, c.DailyCap, c.Active, lastUsed)
	}
	w.Flush()
}

func cmdNumberImport(repo *database.Repository, cfg *config.Config, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := importer.New(repo, cfg.Allocator).Import(ctx, f)
	if err != nil {
		fmt.Printf("Error importing %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("✓ Import complete: %d imported, %d skipped, %d failed\n",
		result.Imported, result.Skipped, result.Failed)
}

func cmdNumberDeactivate(repo *database.Repository, number string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	number = phone.Normalize(number)
	if err := repo.SetActive(ctx, number, false); err != nil {
		fmt.Printf("Error deactivating %s: %v\n", number, err)
		os.Exit(1)
	}
	fmt.Printf("✓ Caller-ID %s deactivated\n", number)
}

func cmdNumberDelete(repo *database.Repository, number string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	number = phone.Normalize(number)
	if err := repo.DeleteCallerID(ctx, number); err != nil {
		fmt.Printf("Error deleting %s: %v\n", number, err)
		os.Exit(1)
	}
	fmt.Printf("✓ Caller-ID %s deleted\n", number)
}

// cmdHash prints a bcrypt hash for the config's admin_password_hash field.
func cmdHash() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: cidrotate hash <password>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(os.Args[2])
	if err != nil {
		fmt.Printf("Error hashing password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// cmdStatus shows service status hints.
func cmdStatus() {
	fmt.Println("Cidrotate Service Status")
	fmt.Println("========================")
	fmt.Println()
	fmt.Println("To check the service state:")
	fmt.Println("  systemctl status cidrotate")
	fmt.Println()
	fmt.Println("To follow logs:")
	fmt.Println("  journalctl -u cidrotate -f")
	fmt.Println()
	fmt.Println("To check the REST API:")
	fmt.Println("  curl http://localhost:8080/health")
	fmt.Println()
	fmt.Println("To request a caller-ID:")
	fmt.Println("  curl 'http://localhost:8080/next-cid?to=2125551001&campaign=test&agent=cli'")
}
