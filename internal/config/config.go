// Package config loads run settings from the environment. Values usually
// come from a .env file next to the binary, loaded by the root command
// before Load is called.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingSFTP is returned when a transfer is enabled without the
// connection settings it needs.
var ErrMissingSFTP = errors.New("missing SFTP settings (SFTP_HOST, SFTP_USER, SFTP_PRIVATE_KEY_PATH)")

// Toggles select which phases of a run execute.
type Toggles struct {
	Decentralized         bool // TRAITEMENT_RCP_DECENTRALISE
	Centralized           bool // TRAITEMENT_RCP_CENTRALISE
	RCP                   bool // TRAITEMENT_RCP
	Notice                bool // TRAITEMENT_NOTICE
	TransferDecentralized bool // TRANSFERT_SFTP_DECENTRALISE
	TransferCentralized   bool // TRANSFERT_SFTP_CENTRALISE
}

// Paths are the local directories a run reads from and writes to.
type Paths struct {
	SourceDir      string // REP_RCP_SOURCE, FR document share
	TargetDir      string // REP_RCP_CIBLE, parent of Extract_RCP_YYYYMMDD
	CentralizedDir string // REP_RCP_CENTRALISE_SOURCE, monthly EU csv
	AuditDB        string // AUDIT_DB_PATH
	ArchiveDir     string // ARCHIVE_DIR, parquet exports
}

// Limits are the caps of the four named limiters.
type Limits struct {
	DecentralizedFiles int
	DecentralizedSFTP  int
	CentralizedFiles   int
	CentralizedSFTP    int
}

// Window is a [Min, Max] jitter window.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Delays are the courtesy delays per stage.
type Delays struct {
	Decentralized Window
	Centralized   Window
	SFTP          Window
}

// Download controls EU document downloads.
type Download struct {
	RetryCount     int           // DL_EMA_RETRY_COUNT
	ErrorThreshold int           // DL_EMA_NB_ERROR_CONSECUTIVELY
	PauseOnLimit   time.Duration // DL_EMA_DELAY_RECONNECT_IF_DL_ERROR
	RequestTimeout time.Duration
	StallTimeout   time.Duration
	FollowHTML     bool // DL_EMA_FOLLOW_HTML
}

// SFTP holds the remote endpoint settings.
type SFTP struct {
	Host          string
	Port          int
	User          string
	KeyPath       string
	KnownHosts    string
	RemoteBaseDir string
	RetryPasses   int
}

// Source is the MySQL extraction database.
type Source struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Recovery controls the EU download catch-up.
type Recovery struct {
	Relaunch bool          // RELANCE_RATTRAPAGE_EU
	Wait     time.Duration // TEMPO_AVANT_RELANCE_RATTRAPAGE_EU
}

// Config holds application settings.
type Config struct {
	Toggles  Toggles
	Paths    Paths
	Limits   Limits
	Delays   Delays
	Download Download
	SFTP     SFTP
	Source   Source
	Recovery Recovery

	MaxFiles       int    // MAX_FILES_TO_PROCESS, 0 means no cap
	MetricsPushURL string // METRICS_PUSH_URL
}

// AnyProcessing reports whether at least one acquisition pipeline runs.
func (c Config) AnyProcessing() bool {
	return c.Toggles.Decentralized || c.Toggles.Centralized
}

// AnyTransfer reports whether at least one SFTP transfer phase runs.
func (c Config) AnyTransfer() bool {
	return c.Toggles.TransferDecentralized || c.Toggles.TransferCentralized
}

// Load reads configuration from environment variables, applies defaults
// and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Toggles: Toggles{
			Decentralized:         getbool("TRAITEMENT_RCP_DECENTRALISE", false),
			Centralized:           getbool("TRAITEMENT_RCP_CENTRALISE", false),
			RCP:                   getbool("TRAITEMENT_RCP", false),
			Notice:                getbool("TRAITEMENT_NOTICE", false),
			TransferDecentralized: getbool("TRANSFERT_SFTP_DECENTRALISE", false),
			TransferCentralized:   getbool("TRANSFERT_SFTP_CENTRALISE", false),
		},
		Paths: Paths{
			SourceDir:      getenv("REP_RCP_SOURCE", ""),
			TargetDir:      getenv("REP_RCP_CIBLE", ""),
			CentralizedDir: getenv("REP_RCP_CENTRALISE_SOURCE", ""),
			AuditDB:        getenv("AUDIT_DB_PATH", "rcpsync.duckdb"),
			ArchiveDir:     getenv("ARCHIVE_DIR", "archive"),
		},
		Limits: Limits{
			DecentralizedFiles: getint("DECENTRALISE_CONCURRENCY_LIMIT", 5),
			DecentralizedSFTP:  getint("DECENTRALISE_SFTP_CONCURRENCY_LIMIT", 5),
			CentralizedFiles:   getint("CENTRALISE_CONCURRENCY_LIMIT", 5),
			CentralizedSFTP:    getint("CENTRALISE_SFTP_CONCURRENCY_LIMIT", 5),
		},
		Delays: Delays{
			Decentralized: Window{Min: getms("DECENTRALISE_MIN_DELAY", 200), Max: getms("DECENTRALISE_MAX_DELAY", 700)},
			Centralized:   Window{Min: getms("CENTRALISE_MIN_DELAY", 200), Max: getms("CENTRALISE_MAX_DELAY", 700)},
			SFTP:          Window{Min: getms("SFTP_MIN_DELAY", 100), Max: getms("SFTP_MAX_DELAY", 300)},
		},
		Download: Download{
			RetryCount:     getint("DL_EMA_RETRY_COUNT", 5),
			ErrorThreshold: getint("DL_EMA_NB_ERROR_CONSECUTIVELY", 15),
			PauseOnLimit:   getsec("DL_EMA_DELAY_RECONNECT_IF_DL_ERROR", 300),
			RequestTimeout: getdur("DL_EMA_REQUEST_TIMEOUT", 30*time.Second),
			StallTimeout:   getdur("DL_EMA_STALL_TIMEOUT", 60*time.Second),
			FollowHTML:     getbool("DL_EMA_FOLLOW_HTML", false),
		},
		SFTP: SFTP{
			Host:          getenv("SFTP_HOST", ""),
			Port:          getint("SFTP_PORT", 22),
			User:          getenv("SFTP_USER", ""),
			KeyPath:       getenv("SFTP_PRIVATE_KEY_PATH", ""),
			KnownHosts:    getenv("SFTP_KNOWN_HOSTS", ""),
			RemoteBaseDir: getenv("SFTP_REMOTE_BASE_DIR", "/"),
			RetryPasses:   getint("SFTP_RETRY_PASSES", 3),
		},
		Source: Source{
			Host:     getenv("CODEX_EXTRACT_HOST", getenv("CODEX_extract_HOST", "")),
			Port:     getint("CODEX_EXTRACT_PORT", getint("CODEX_extract_PORT", 3306)),
			User:     getenv("CODEX_EXTRACT_USER", getenv("CODEX_extract_USER", "")),
			Password: getenv("CODEX_EXTRACT_PASSWORD", getenv("CODEX_extract_PASSWORD", "")),
			Database: getenv("CODEX_EXTRACT_DATABASE", getenv("CODEX_extract_DATABASE", "")),
		},
		Recovery: Recovery{
			Relaunch: getbool("RELANCE_RATTRAPAGE_EU", false),
			Wait:     getsec("TEMPO_AVANT_RELANCE_RATTRAPAGE_EU", 30),
		},
		MaxFiles:       getint("MAX_FILES_TO_PROCESS", 0),
		MetricsPushURL: getenv("METRICS_PUSH_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would make a run misbehave. Settings only
// needed by a disabled phase are not checked here.
func (c Config) Validate() error {
	var errs []error
	if c.MaxFiles < 0 {
		errs = append(errs, errors.New("MAX_FILES_TO_PROCESS must be >= 0"))
	}
	for name, w := range map[string]Window{
		"DECENTRALISE": c.Delays.Decentralized,
		"CENTRALISE":   c.Delays.Centralized,
		"SFTP":         c.Delays.SFTP,
	} {
		if w.Min < 0 || w.Max < w.Min {
			errs = append(errs, fmt.Errorf("%s_MIN_DELAY/%s_MAX_DELAY must satisfy 0 <= min <= max", name, name))
		}
	}
	if c.Download.RetryCount < 1 {
		errs = append(errs, errors.New("DL_EMA_RETRY_COUNT must be >= 1"))
	}
	if c.Download.ErrorThreshold < 1 {
		errs = append(errs, errors.New("DL_EMA_NB_ERROR_CONSECUTIVELY must be >= 1"))
	}
	if c.SFTP.RetryPasses < 1 {
		errs = append(errs, errors.New("SFTP_RETRY_PASSES must be >= 1"))
	}
	if c.SFTP.Port < 1 || c.SFTP.Port > 65535 {
		errs = append(errs, errors.New("SFTP_PORT must be a valid port"))
	}
	if c.AnyProcessing() && strings.TrimSpace(c.Paths.TargetDir) == "" {
		errs = append(errs, errors.New("REP_RCP_CIBLE must be set when a processing phase is enabled"))
	}
	if strings.TrimSpace(c.Paths.AuditDB) == "" {
		errs = append(errs, errors.New("AUDIT_DB_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

// RequireSFTP checks the settings needed to open the transfer connection.
func (c Config) RequireSFTP() error {
	if c.SFTP.Host == "" || c.SFTP.User == "" || c.SFTP.KeyPath == "" {
		return ErrMissingSFTP
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

// getbool accepts the usual strconv spellings ("True", "true", "1").
func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

// getms reads an integer number of milliseconds.
func getms(k string, def int) time.Duration {
	return time.Duration(getint(k, def)) * time.Millisecond
}

// getsec reads an integer number of seconds.
func getsec(k string, def int) time.Duration {
	return time.Duration(getint(k, def)) * time.Second
}
