package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"gopkg.in/yaml.v3"

	"github.com/meetkit/live-transcription/internal/bridge"
	"github.com/meetkit/live-transcription/internal/cleanup"
	"github.com/meetkit/live-transcription/internal/handlers"
	"github.com/meetkit/live-transcription/internal/queue"
	"github.com/meetkit/live-transcription/internal/session"
	"github.com/meetkit/live-transcription/internal/storage"
	"github.com/meetkit/live-transcription/internal/summary"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Provider struct {
		Endpoint              string `yaml:"endpoint"`
		APIKey                string `yaml:"api_key"`
		Model                 string `yaml:"model"`
		Language              string `yaml:"language"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
		ChunkTimeoutSeconds   int    `yaml:"chunk_timeout_seconds"`
	} `yaml:"provider"`

	Summary struct {
		Endpoint       string `yaml:"endpoint"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"summary"`

	Session struct {
		FlushIntervalMs  int `yaml:"flush_interval_ms"`
		StopDrainSeconds int `yaml:"stop_drain_seconds"`
		MarkGraceSeconds int `yaml:"mark_grace_seconds"`
	} `yaml:"session"`

	Workers struct {
		Count int `yaml:"count"`
	} `yaml:"workers"`

	Storage struct {
		TempDir    string `yaml:"temp_dir"`
		ArchiveDir string `yaml:"archive_dir"`
		Database   string `yaml:"database"`
	} `yaml:"storage"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	Auth struct {
		APIToken       string `yaml:"api_token"`
		DevBypassToken string `yaml:"dev_bypass_token"`
	} `yaml:"auth"`
}

func main() {
	config, err := loadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := cleanup.EnsureTempDir(config.Storage.TempDir); err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	if err := os.MkdirAll(config.Storage.ArchiveDir, 0755); err != nil {
		log.Fatalf("Failed to create archive directory: %v", err)
	}

	// Custom logger setup
	logBuffer := &LogBuffer{
		lines: make([]string, 0, 1000),
	}
	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	log.SetOutput(multiWriter)

	log.Println("Initializing components...")

	// Provider configuration; validated again at each session start so a
	// missing credential fails the start, not the server boot.
	providerCfg := bridge.Config{
		Endpoint:          config.Provider.Endpoint,
		APIKey:            config.Provider.APIKey,
		Model:             config.Provider.Model,
		Language:          config.Provider.Language,
		ConnectTimeout:    time.Duration(config.Provider.ConnectTimeoutSeconds) * time.Second,
		ChunkWriteTimeout: time.Duration(config.Provider.ChunkTimeoutSeconds) * time.Second,
	}
	if err := providerCfg.Validate(); err != nil {
		log.Printf("WARNING: %v - sessions will be rejected until configured", err)
	}

	// Session state store
	store, err := storage.NewStore(config.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Archive destination: Google Drive when credentials exist, local
	// filesystem otherwise.
	var archive session.ArchiveStore
	if _, err := os.Stat(config.GoogleDrive.CredentialsFile); err == nil {
		driveArchive, err := storage.NewDriveArchive(
			config.GoogleDrive.CredentialsFile,
			config.GoogleDrive.TokenFile,
			config.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			log.Println("Audio archives will be stored locally")
			archive = storage.NewLocalArchive(config.Storage.ArchiveDir)
		} else {
			log.Println("Google Drive archive storage enabled")
			archive = driveArchive
		}
	} else {
		log.Println("Google Drive credentials not found - archiving locally")
		archive = storage.NewLocalArchive(config.Storage.ArchiveDir)
	}

	// Summary client + worker pool
	summaryClient := summary.New(summary.Config{
		Endpoint: config.Summary.Endpoint,
		APIKey:   config.Summary.APIKey,
		Model:    config.Summary.Model,
		Timeout:  time.Duration(config.Summary.TimeoutSeconds) * time.Second,
	})
	workerPool := queue.NewWorkerPool(config.Workers.Count, summaryClient, store)
	workerPool.Start()

	// Spool sweeper
	sweeper := cleanup.NewSweeper(
		config.Storage.TempDir,
		time.Duration(config.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(config.Cleanup.MaxAgeHours)*time.Hour,
	)
	sweeper.Start()
	defer sweeper.Stop()

	app := fiber.New(fiber.Config{
		ReadBufferSize: 16384,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Dev-Bypass",
	}))

	// Handlers
	sessionHandler := handlers.NewSessionHandler(
		providerCfg,
		store,
		archive,
		workerPool,
		config.Storage.TempDir,
		time.Duration(config.Session.FlushIntervalMs)*time.Millisecond,
		time.Duration(config.Session.StopDrainSeconds)*time.Second,
		time.Duration(config.Session.MarkGraceSeconds)*time.Second,
	)
	summaryHandler := handlers.NewSummaryHandler(summaryClient, config.Auth.APIToken, config.Auth.DevBypassToken)

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	app.Get("/ws/session", websocket.New(sessionHandler.Handle))
	app.Post("/summarize", summaryHandler.Handle)

	app.Get("/sessions", func(c *fiber.Ctx) error {
		limit := 50
		sessions, err := store.ListSessions(limit)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(sessions)
	})

	app.Get("/sessions/:id", func(c *fiber.Ctx) error {
		state, err := store.GetState(c.Params("id"))
		if err != nil {
			return c.Status(404).JSON(fiber.Map{"error": "Session not found"})
		}
		return c.JSON(state)
	})

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   GET  /ws/session   - WebSocket transcription session")
	log.Println("   POST /summarize    - Summarize a transcript")
	log.Println("   GET  /sessions     - List recent sessions")
	log.Println("   GET  /sessions/:id - Get session transcript state")
	log.Println("   GET  /logs         - View server logs")
	log.Println("   GET  /health       - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// loadConfig loads configuration from YAML file
func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
