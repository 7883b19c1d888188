package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/musserver/pkg/database"
	"github.com/aeolun/musserver/pkg/server"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "musserver", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "musserver.toml"
	}
	return filepath.Join(home, ".config", "musserver", "config.toml")
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  musserver [flags]                          run the server
  musserver [flags] register NAME PASSWORD   create an account
  musserver [flags] token USER [MOVIE]       issue a login token

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to the TOML config file (written with defaults if missing)")
	debug := flag.Bool("debug", false, "Write protocol traffic to debug.log")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens issued with the token command (0 = no expiry)")
	levelFlag := flag.Uint("level", uint(database.LevelUser), "Account level (0-255) for the register and token commands")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("musserver", Version)
		return
	}

	tc, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := tc.ToServerConfig()

	level, err := accountLevel(*levelFlag)
	if err != nil {
		log.Fatalf("-level: %v", err)
	}

	switch flag.Arg(0) {
	case "":
	case "register":
		if flag.NArg() != 3 {
			usage()
			os.Exit(2)
		}
		if err := register(cfg, flag.Arg(1), flag.Arg(2), level); err != nil {
			log.Fatalf("register: %v", err)
		}
		return
	case "token":
		if flag.NArg() < 2 || flag.NArg() > 3 {
			usage()
			os.Exit(2)
		}
		if cfg.TokenSecret == "" {
			log.Fatal("token: [auth] token_secret is not set")
		}
		token, err := server.IssueToken(cfg.TokenSecret, flag.Arg(1), flag.Arg(2), level, *tokenTTL)
		if err != nil {
			log.Fatalf("token: %v", err)
		}
		fmt.Println(token)
		return
	default:
		usage()
		os.Exit(2)
	}

	dataDir, err := server.InitLoggers()
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	server.Version = Version
	srv, err := server.NewServer(cfg, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.WatchConfig(*configPath); err != nil {
		log.Printf("Config reload disabled: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("musserver %s started (config %s, logs in %s)", Version, *configPath, dataDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown: %v", err)
		os.Exit(1)
	}
}

// accountLevel checks a -level value against the range levels are stored in
func accountLevel(n uint) (uint8, error) {
	if n > 255 {
		return 0, fmt.Errorf("level %d is out of range 0-255", n)
	}
	return uint8(n), nil
}

func register(cfg server.ServerConfig, name, password string, level uint8) error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("no database_path configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return err
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	accounts := database.NewAccounts(db, cfg.AccountCacheTTL, false)
	defer accounts.Close()

	account, err := accounts.Register(name, password, level)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s (id %d, level %d)\n", account.Name, account.ID, account.Level)
	return nil
}
