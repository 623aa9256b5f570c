package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP   string
	ListenAddrPort string

	DatabasePath string // sqlite file holding persisted settings

	// Capture pipeline settings
	CaptureScale    float64 // render scale relative to the PDF's 72dpi point space
	OutputFormat    string  // "png" or "jpeg"
	JPEGQuality     float64 // 0.60 - 0.95
	ThumbnailMaxPx  int     // longer edge of derived thumbnails
	DebounceQuietMs int     // active-page quiet period before auto-capture
	AutoCapture     bool

	// Working storage
	WorkDir          string // thumbnails and in-progress artifacts
	ExportDir        string // finished zip archives
	SessionTTL       time.Duration
	SweepIntervalMin int
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

// ClampQuality keeps a lossy encode quality inside the supported band.
func ClampQuality(q float64) float64 {
	if q < 0.60 {
		return 0.60
	}
	if q > 0.95 {
		return 0.95
	}
	return q
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger) {
	serverConfigLive := ServerConfig{}

	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging()
	Logger = logger

	// Server configuration
	serverConfigLive.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfigLive.ListenAddrIP = getEnv("SERVER_ADDR", "")

	// Settings database
	dbPath := filepath.ToSlash(getEnv("SETTINGS_DB", "databases/pagesnap.sqlite"))
	dbPathAbs, err := filepath.Abs(dbPath)
	if err != nil {
		logger.Error("Failed creating absolute path for settings database", "error", err)
	}
	serverConfigLive.DatabasePath = dbPathAbs

	// Capture configuration
	serverConfigLive.CaptureScale = getEnvFloat("CAPTURE_SCALE", 2.0)
	serverConfigLive.OutputFormat = strings.ToLower(getEnv("OUTPUT_FORMAT", "png"))
	if serverConfigLive.OutputFormat != "png" && serverConfigLive.OutputFormat != "jpeg" {
		logger.Warn("Unknown output format, falling back to png", "format", serverConfigLive.OutputFormat)
		serverConfigLive.OutputFormat = "png"
	}
	serverConfigLive.JPEGQuality = ClampQuality(getEnvFloat("JPEG_QUALITY", 0.92))
	serverConfigLive.ThumbnailMaxPx = getEnvInt("THUMBNAIL_MAX_PX", 200)
	serverConfigLive.DebounceQuietMs = getEnvInt("DEBOUNCE_QUIET_MS", 150)
	serverConfigLive.AutoCapture = getEnvBool("AUTO_CAPTURE", true)

	// Working storage
	workDir := filepath.ToSlash(getEnv("WORK_DIR", "work"))
	workDirAbs, err := filepath.Abs(workDir)
	if err != nil {
		logger.Error("Failed creating absolute path for work directory", "error", err)
	}
	serverConfigLive.WorkDir = workDirAbs

	exportDir := filepath.ToSlash(getEnv("EXPORT_DIR", "exports"))
	exportDirAbs, err := filepath.Abs(exportDir)
	if err != nil {
		logger.Error("Failed creating absolute path for export directory", "error", err)
	}
	serverConfigLive.ExportDir = exportDirAbs

	serverConfigLive.SessionTTL = time.Duration(getEnvInt("SESSION_TTL_MINUTES", 60)) * time.Minute
	serverConfigLive.SweepIntervalMin = getEnvInt("SWEEP_INTERVAL_MINUTES", 10)

	fmt.Println("\n========================================")
	fmt.Println("   goPageSnap - PDF Page Capture")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfigLive.ListenAddrIP, serverConfigLive.ListenAddrPort)
	if serverConfigLive.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Detailed logs: %s\n", getEnv("LOG_FILE", "pagesnap.log"))
	fmt.Println("Initializing...")

	logger.Info("Capture configuration loaded",
		"scale", serverConfigLive.CaptureScale,
		"format", serverConfigLive.OutputFormat,
		"quality", serverConfigLive.JPEGQuality,
		"autoCapture", serverConfigLive.AutoCapture)

	return serverConfigLive, logger
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "debug")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	logOutput := getEnv("LOG_OUTPUT", "file")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pagesnap.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}
