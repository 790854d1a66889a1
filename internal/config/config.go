package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Flight and fix persistence
	Reference ReferenceConfig `toml:"reference"` // Airport and runway reference data
	Tracking  TrackingConfig  `toml:"tracking"`  // Flight tracking engine thresholds
	Ingest    IngestConfig    `toml:"ingest"`    // Fix sources
	Events    EventsConfig    `toml:"events"`    // Lifecycle event delivery
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port              int     `toml:"port"`                  // HTTP port for the API and websocket
	Host              string  `toml:"host"`                  // Host address to bind to
	ReadTimeoutSecs   int     `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs  int     `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs   int     `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	FixSubmitRate     float64 `toml:"fix_submit_rate"`       // Sustained fixes per second accepted by POST /fixes (0 = unlimited)
	FixSubmitBurst    int     `toml:"fix_submit_burst"`      // Burst size for POST /fixes
	MaxFixesPerSubmit int     `toml:"max_fixes_per_submit"`  // Upper bound on fixes in one POST body
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" (structured) or "console" (human-readable)
	File       string `toml:"file"`         // Optional log file, rotated by size
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // Rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // Days to keep rotated files
	Compress   bool   `toml:"compress"`     // Gzip rotated files
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type       string         `toml:"type"`        // "sqlite", "postgres" or "memory"
	SQLitePath string         `toml:"sqlite_path"` // Database file for the sqlite backend
	Postgres   PostgresConfig `toml:"postgres"`    // Connection settings for the postgres backend
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	URL      string `toml:"url"`       // Full connection string; overrides the fields below
	Host     string `toml:"host"`      // Server host
	Port     int    `toml:"port"`      // Server port
	Database string `toml:"database"`  // Database name
	User     string `toml:"user"`      // Role
	Password string `toml:"password"`  // Password
	MaxConns int32  `toml:"max_conns"` // Pool size
}

// ReferenceConfig contains airport and runway reference data settings
type ReferenceConfig struct {
	Source          string  `toml:"source"`            // "files" or "postgres"
	AirportsCSVPath string  `toml:"airports_csv_path"` // OurAirports airports.csv
	RunwaysCSVPath  string  `toml:"runways_csv_path"`  // OurAirports runways.csv
	RunwaysJSONPath string  `toml:"runways_json_path"` // Runway threshold JSON (airport + runway_thresholds)
	AirportRangeM   float64 `toml:"airport_range_m"`   // Distance within which a point belongs to an airport
	CacheSize       int     `toml:"cache_size"`        // Entries in the lookup cache (0 disables caching)
	CacheTTLSecs    int     `toml:"cache_ttl_seconds"` // Lifetime of cached lookups
}

// TrackingConfig contains every threshold the flight tracking engine uses
type TrackingConfig struct {
	// Activity classification
	LiftoffSpeedKts          float64 `toml:"liftoff_speed_kts"`            // Ground speed at or above which a fix is airborne
	AirborneAGLFt            int     `toml:"airborne_agl_ft"`              // AGL at or above which a fix is airborne
	NoAltitudeActiveSpeedKts float64 `toml:"no_altitude_active_speed_kts"` // Speed required when a fix carries no altitude

	// Takeoff
	TakeoffMaxAGLFt          int `toml:"takeoff_max_agl_ft"`          // Active fix below this AGL is a takeoff
	TakeoffLookbackFixes     int `toml:"takeoff_lookback_fixes"`      // Prior fixes inspected for the ground to air crossing
	TakeoffRollWindowSeconds int `toml:"takeoff_roll_window_seconds"` // Moving ground fixes this close to liftoff join the flight
	TakeoffMaxGapSeconds     int `toml:"takeoff_max_gap_seconds"`     // Ground fix older than this means the takeoff was not observed

	// Landing
	LandingDwellFixes       int     `toml:"landing_dwell_fixes"`        // Consecutive inactive fixes that confirm a landing
	LandingDwellSeconds     int     `toml:"landing_dwell_seconds"`      // Or inactive for this long
	LandingMaxAGLFt         int     `toml:"landing_max_agl_ft"`         // Inactive fixes above this AGL do not count toward landing
	GapLandingSeconds       int     `toml:"gap_landing_seconds"`        // Gap after which a short implied distance splits the flight
	GapLandingDistanceRatio float64 `toml:"gap_landing_distance_ratio"` // Fraction of expected distance below which the aircraft landed in the gap

	// Spurious flights
	SpuriousMinDurationSeconds int     `toml:"spurious_min_duration_seconds"`  // Flights shorter than this ...
	SpuriousMinAltitudeRangeFt int     `toml:"spurious_min_altitude_range_ft"` // ... with an altitude range below this are noise
	SpuriousMaxAltitudeFt      int     `toml:"spurious_max_altitude_ft"`       // Altitudes above this are corrupt
	SpuriousMaxSpeedKts        float64 `toml:"spurious_max_speed_kts"`         // Average speeds above this are corrupt

	// Timeouts
	TimeoutClimbingSeconds   int `toml:"timeout_climbing_seconds"`   // Silence tolerated while climbing
	TimeoutDescendingSeconds int `toml:"timeout_descending_seconds"` // Silence tolerated while descending
	TimeoutCruisingSeconds   int `toml:"timeout_cruising_seconds"`   // Silence tolerated while cruising
	TimeoutUnknownSeconds    int `toml:"timeout_unknown_seconds"`    // Silence tolerated when the phase is unknown
	SweepIntervalSeconds     int `toml:"sweep_interval_seconds"`     // How often the timeout sweeper runs
	StateRetentionHours      int `toml:"state_retention_hours"`      // Grounded tracker state older than this is evicted

	// Resume (coalescing)
	ResumeHardLimitHours        int                `toml:"resume_hard_limit_hours"`        // Gaps longer than this never resume
	ResumeMaxSpeedKts           float64            `toml:"resume_max_speed_kts"`           // Default implied speed ceiling
	ResumeMaxSpeedByCategory    map[string]float64 `toml:"resume_max_speed_by_category"`   // Per aircraft class ceilings
	ProbableLandingMaxSpeedKts  float64            `toml:"probable_landing_max_speed_kts"` // Timeout kinematics below this speed ...
	ProbableLandingMaxAGLFt     int                `toml:"probable_landing_max_agl_ft"`    // ... and below this AGL mean a real landing
	ClimbWindowSeconds          int                `toml:"climb_window_seconds"`           // Phase classifier window
	ClimbMinSpanSeconds         int                `toml:"climb_min_span_seconds"`         // Minimum time span for a climb rate
	PhaseClimbFPM               int                `toml:"phase_climb_fpm"`                // Climb rate separating climbing/descending from level
	PhaseCruiseAltitudeFt       int                `toml:"phase_cruise_altitude_ft"`       // Minimum altitude for cruising
	PhaseCruiseMaxFPM           int                `toml:"phase_cruise_max_fpm"`           // Maximum climb rate magnitude while cruising

	// Runway inference
	RunwaySearchRadiusM       float64 `toml:"runway_search_radius_m"`       // Radius searched for runway ends
	RunwayMaxHeadingDiffDeg   float64 `toml:"runway_max_heading_diff_deg"`  // Course to runway heading tolerance
	RunwayMinConfidence       float64 `toml:"runway_min_confidence"`        // Minimum score for an exact match
	RunwayDistanceWeight      float64 `toml:"runway_distance_weight"`       // Share of the score given to proximity
	RunwayCourseWindowSeconds int     `toml:"runway_course_window_seconds"` // Fixes averaged into the course

	// Towing
	TowVicinityM           float64 `toml:"tow_vicinity_m"`             // Maximum tow plane to glider separation
	TowSearchWindowSeconds int     `toml:"tow_search_window_seconds"`  // How long after takeoff a partner is searched for
	TowReleaseClimbFPM     float64 `toml:"tow_release_climb_fpm"`      // Average climb before release
	TowReleaseDescentFPM   float64 `toml:"tow_release_descent_fpm"`    // Descent after release

	// Internals
	RecentFixes int `toml:"recent_fixes"` // Compact fixes kept per aircraft
	LockShards  int `toml:"lock_shards"`  // Shards of the per-device maps
}

// IngestConfig contains fix source configuration
type IngestConfig struct {
	Workers   int        `toml:"workers"`    // Processing workers; fixes are routed by device so order is kept
	QueueSize int        `toml:"queue_size"` // Buffered fixes per worker
	NATS      NATSIngest `toml:"nats"`       // NATS subscription
	ADSB      ADSBIngest `toml:"adsb"`       // ADS-B JSON polling
}

// NATSIngest configures the NATS fix subscription
type NATSIngest struct {
	Enabled bool   `toml:"enabled"` // Subscribe to fixes on NATS
	URL     string `toml:"url"`     // Server URL, e.g. nats://127.0.0.1:4222
	Subject string `toml:"subject"` // Subject carrying normalized fixes
	Queue   string `toml:"queue"`   // Queue group so several instances share the stream
	Codec   string `toml:"codec"`   // "json" or "msgpack"
}

// ADSBIngest configures polling of an aircraft.json style source
type ADSBIngest struct {
	Enabled           bool    `toml:"enabled"`                // Poll an ADS-B source
	SourceType        string  `toml:"source_type"`            // "local" or "external-adsbexchangelike"
	LocalSourceURL    string  `toml:"local_source_url"`       // e.g. http://192.168.1.10/tar1090/data/aircraft.json
	ExternalSourceURL string  `toml:"external_source_url"`    // URL template with lat, lon and distance placeholders
	APIHost           string  `toml:"api_host"`               // API host header value
	APIKey            string  `toml:"api_key"`                // API key for the external source
	CenterLat         float64 `toml:"center_lat"`             // Search center for the external source
	CenterLon         float64 `toml:"center_lon"`             // Search center for the external source
	SearchRadiusNM    float64 `toml:"search_radius_nm"`       // Search radius for the external source
	FetchIntervalSecs int     `toml:"fetch_interval_seconds"` // Polling interval
	TimeoutSecs       int     `toml:"timeout_seconds"`        // HTTP timeout
}

// EventsConfig contains lifecycle event delivery settings
type EventsConfig struct {
	BufferSize int              `toml:"buffer_size"` // Events queued before new ones are dropped
	WebSocket  bool             `toml:"websocket"`   // Broadcast events to /ws clients
	NATS       NATSEvents       `toml:"nats"`        // Publish events to NATS
	ClickHouse ClickHouseConfig `toml:"clickhouse"`  // Archive closed flights to ClickHouse
}

// NATSEvents configures event publishing to NATS
type NATSEvents struct {
	Enabled       bool   `toml:"enabled"`        // Publish events
	URL           string `toml:"url"`            // Server URL
	SubjectPrefix string `toml:"subject_prefix"` // Events go to <prefix>.<event type>
}

// ClickHouseConfig holds ClickHouse connection settings
type ClickHouseConfig struct {
	Enabled           bool   `toml:"enabled"`                // Archive closed flights
	Host              string `toml:"host"`                   // Server host
	Port              int    `toml:"port"`                   // Native protocol port
	Database          string `toml:"database"`               // Database name
	User              string `toml:"user"`                   // User
	Password          string `toml:"password"`               // Password
	BatchSize         int    `toml:"batch_size"`             // Flush after this many rows
	FlushIntervalSecs int    `toml:"flush_interval_seconds"` // Or after this long
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate fills defaults and validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}
	if c.Server.MaxFixesPerSubmit == 0 {
		c.Server.MaxFixesPerSubmit = 500
	}
	if c.Server.FixSubmitRate < 0 {
		return fmt.Errorf("fix_submit_rate must be non-negative: %f", c.Server.FixSubmitRate)
	}
	if c.Server.FixSubmitRate > 0 && c.Server.FixSubmitBurst <= 0 {
		// a full batch must fit in one burst
		c.Server.FixSubmitBurst = max(int(c.Server.FixSubmitRate), c.Server.MaxFixesPerSubmit)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s (must be console or json)", c.Logging.Format)
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if err := c.ValidateReference(); err != nil {
		return err
	}
	if err := c.ValidateTracking(); err != nil {
		return err
	}
	if err := c.ValidateIngest(); err != nil {
		return err
	}
	return c.ValidateEvents()
}

// ValidateStorage validates the storage configuration
func (c *Config) ValidateStorage() error {
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			c.Storage.SQLitePath = "data/flightwatch.db"
		}
	case "postgres":
		pg := &c.Storage.Postgres
		if pg.URL == "" && pg.Host == "" {
			return fmt.Errorf("storage.postgres requires url or host")
		}
		if pg.Port == 0 {
			pg.Port = 5432
		}
		if pg.MaxConns == 0 {
			pg.MaxConns = 10
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage type: %s (must be sqlite, postgres or memory)", c.Storage.Type)
	}
	return nil
}

// ValidateReference validates the reference data configuration
func (c *Config) ValidateReference() error {
	if c.Reference.Source == "" {
		c.Reference.Source = "files"
	}
	if c.Reference.Source != "files" && c.Reference.Source != "postgres" {
		return fmt.Errorf("invalid reference source: %s (must be files or postgres)", c.Reference.Source)
	}
	if c.Reference.Source == "postgres" && c.Storage.Type != "postgres" {
		return fmt.Errorf("reference source postgres requires storage type postgres")
	}
	if c.Reference.AirportRangeM == 0 {
		c.Reference.AirportRangeM = 3000
	}
	if c.Reference.AirportRangeM < 0 {
		return fmt.Errorf("airport_range_m must be positive: %f", c.Reference.AirportRangeM)
	}
	if c.Reference.CacheTTLSecs == 0 {
		c.Reference.CacheTTLSecs = 3600
	}
	if c.Reference.CacheSize < 0 {
		return fmt.Errorf("cache_size must be non-negative: %d", c.Reference.CacheSize)
	}
	return nil
}

// ValidateIngest validates the fix source configuration
func (c *Config) ValidateIngest() error {
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 8
	}
	if c.Ingest.Workers < 0 {
		return fmt.Errorf("ingest workers must be positive: %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 1024
	}

	n := &c.Ingest.NATS
	if n.Enabled {
		if n.URL == "" {
			n.URL = "nats://127.0.0.1:4222"
		}
		if n.Subject == "" {
			return fmt.Errorf("ingest.nats.subject is required when NATS ingest is enabled")
		}
		if n.Codec == "" {
			n.Codec = "json"
		}
		if n.Codec != "json" && n.Codec != "msgpack" {
			return fmt.Errorf("invalid ingest.nats.codec: %s (must be json or msgpack)", n.Codec)
		}
	}

	a := &c.Ingest.ADSB
	if a.Enabled {
		if a.SourceType == "" {
			a.SourceType = "local"
		}
		switch a.SourceType {
		case "local":
			if a.LocalSourceURL == "" {
				return fmt.Errorf("ingest.adsb.local_source_url is required for source_type local")
			}
		case "external-adsbexchangelike":
			if a.ExternalSourceURL == "" {
				return fmt.Errorf("ingest.adsb.external_source_url is required for source_type external-adsbexchangelike")
			}
			if a.SearchRadiusNM <= 0 {
				a.SearchRadiusNM = 25
			}
		default:
			return fmt.Errorf("invalid ingest.adsb.source_type: %s", a.SourceType)
		}
		if a.FetchIntervalSecs <= 0 {
			a.FetchIntervalSecs = 2
		}
		if a.TimeoutSecs <= 0 {
			a.TimeoutSecs = 10
		}
	}
	return nil
}

// ValidateEvents validates the event delivery configuration
func (c *Config) ValidateEvents() error {
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}
	if c.Events.NATS.Enabled {
		if c.Events.NATS.URL == "" {
			c.Events.NATS.URL = "nats://127.0.0.1:4222"
		}
		if c.Events.NATS.SubjectPrefix == "" {
			c.Events.NATS.SubjectPrefix = "flightwatch.events"
		}
	}
	ch := &c.Events.ClickHouse
	if ch.Enabled {
		if ch.Host == "" {
			return fmt.Errorf("events.clickhouse.host is required when ClickHouse is enabled")
		}
		if ch.Port == 0 {
			ch.Port = 9000
		}
		if ch.Database == "" {
			ch.Database = "default"
		}
		if ch.BatchSize == 0 {
			ch.BatchSize = 500
		}
		if ch.FlushIntervalSecs == 0 {
			ch.FlushIntervalSecs = 10
		}
	}
	return nil
}

// DefaultTracking returns tracking thresholds with every default applied
func DefaultTracking() TrackingConfig {
	var t TrackingConfig
	t.setDefaults()
	return t
}

// ValidateTracking fills tracking defaults and validates the thresholds
func (c *Config) ValidateTracking() error {
	c.Tracking.setDefaults()
	return c.Tracking.Validate()
}

func (t *TrackingConfig) setDefaults() {
	setF := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	setI := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}

	setF(&t.LiftoffSpeedKts, 25)
	setI(&t.AirborneAGLFt, 250)
	setF(&t.NoAltitudeActiveSpeedKts, 80)

	setI(&t.TakeoffMaxAGLFt, 100)
	setI(&t.TakeoffLookbackFixes, 3)
	setI(&t.TakeoffRollWindowSeconds, 60)
	setI(&t.TakeoffMaxGapSeconds, 120)

	setI(&t.LandingDwellFixes, 5)
	setI(&t.LandingDwellSeconds, 30)
	setI(&t.LandingMaxAGLFt, 250)
	setI(&t.GapLandingSeconds, 1800)
	setF(&t.GapLandingDistanceRatio, 0.3)

	setI(&t.SpuriousMinDurationSeconds, 120)
	setI(&t.SpuriousMinAltitudeRangeFt, 50)
	setI(&t.SpuriousMaxAltitudeFt, 100000)
	setF(&t.SpuriousMaxSpeedKts, 870)

	setI(&t.TimeoutClimbingSeconds, 900)
	setI(&t.TimeoutDescendingSeconds, 900)
	setI(&t.TimeoutCruisingSeconds, 2700)
	setI(&t.TimeoutUnknownSeconds, 1800)
	setI(&t.SweepIntervalSeconds, 60)
	setI(&t.StateRetentionHours, 18)

	setI(&t.ResumeHardLimitHours, 18)
	setF(&t.ResumeMaxSpeedKts, 600)
	if t.ResumeMaxSpeedByCategory == nil {
		t.ResumeMaxSpeedByCategory = map[string]float64{
			"glider":     200,
			"balloon":    60,
			"rotorcraft": 200,
			"paraglider": 60,
		}
	}
	setF(&t.ProbableLandingMaxSpeedKts, 30)
	setI(&t.ProbableLandingMaxAGLFt, 200)
	setI(&t.ClimbWindowSeconds, 60)
	setI(&t.ClimbMinSpanSeconds, 5)
	setI(&t.PhaseClimbFPM, 300)
	setI(&t.PhaseCruiseAltitudeFt, 10000)
	setI(&t.PhaseCruiseMaxFPM, 500)

	setF(&t.RunwaySearchRadiusM, 2000)
	setF(&t.RunwayMaxHeadingDiffDeg, 30)
	setF(&t.RunwayMinConfidence, 0.5)
	setF(&t.RunwayDistanceWeight, 0.4)
	setI(&t.RunwayCourseWindowSeconds, 20)

	setF(&t.TowVicinityM, 500)
	setI(&t.TowSearchWindowSeconds, 60)
	setF(&t.TowReleaseClimbFPM, 100)
	setF(&t.TowReleaseDescentFPM, 100)

	setI(&t.RecentFixes, 10)
	setI(&t.LockShards, 64)
}

// Validate range-checks the tracking thresholds
func (t *TrackingConfig) Validate() error {
	if t.LiftoffSpeedKts <= 0 {
		return fmt.Errorf("liftoff_speed_kts must be positive: %f", t.LiftoffSpeedKts)
	}
	if t.TakeoffLookbackFixes < 1 {
		return fmt.Errorf("takeoff_lookback_fixes must be at least 1: %d", t.TakeoffLookbackFixes)
	}
	if t.LandingDwellFixes < 1 {
		return fmt.Errorf("landing_dwell_fixes must be at least 1: %d", t.LandingDwellFixes)
	}
	if t.RecentFixes < t.LandingDwellFixes || t.RecentFixes < t.TakeoffLookbackFixes+1 {
		return fmt.Errorf("recent_fixes (%d) must cover landing_dwell_fixes (%d) and takeoff_lookback_fixes+1 (%d)",
			t.RecentFixes, t.LandingDwellFixes, t.TakeoffLookbackFixes+1)
	}
	if t.GapLandingDistanceRatio <= 0 || t.GapLandingDistanceRatio >= 1 {
		return fmt.Errorf("gap_landing_distance_ratio must be between 0 and 1: %f", t.GapLandingDistanceRatio)
	}
	for name, v := range map[string]int{
		"timeout_climbing_seconds":   t.TimeoutClimbingSeconds,
		"timeout_descending_seconds": t.TimeoutDescendingSeconds,
		"timeout_cruising_seconds":   t.TimeoutCruisingSeconds,
		"timeout_unknown_seconds":    t.TimeoutUnknownSeconds,
		"sweep_interval_seconds":     t.SweepIntervalSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive: %d", name, v)
		}
	}
	if t.ResumeHardLimitHours <= 0 {
		return fmt.Errorf("resume_hard_limit_hours must be positive: %d", t.ResumeHardLimitHours)
	}
	if t.ResumeMaxSpeedKts <= 0 {
		return fmt.Errorf("resume_max_speed_kts must be positive: %f", t.ResumeMaxSpeedKts)
	}
	for class, v := range t.ResumeMaxSpeedByCategory {
		if v <= 0 {
			return fmt.Errorf("resume_max_speed_by_category.%s must be positive: %f", class, v)
		}
	}
	if t.ClimbMinSpanSeconds >= t.ClimbWindowSeconds {
		return fmt.Errorf("climb_min_span_seconds (%d) must be less than climb_window_seconds (%d)",
			t.ClimbMinSpanSeconds, t.ClimbWindowSeconds)
	}
	if t.RunwayMaxHeadingDiffDeg <= 0 || t.RunwayMaxHeadingDiffDeg > 180 {
		return fmt.Errorf("runway_max_heading_diff_deg must be between 0 and 180: %f", t.RunwayMaxHeadingDiffDeg)
	}
	if t.RunwayMinConfidence < 0 || t.RunwayMinConfidence > 1 {
		return fmt.Errorf("runway_min_confidence must be between 0 and 1: %f", t.RunwayMinConfidence)
	}
	if t.RunwayDistanceWeight < 0 || t.RunwayDistanceWeight > 1 {
		return fmt.Errorf("runway_distance_weight must be between 0 and 1: %f", t.RunwayDistanceWeight)
	}
	if t.LockShards < 1 {
		return fmt.Errorf("lock_shards must be positive: %d", t.LockShards)
	}
	return nil
}

// Seconds converts an integer seconds setting into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Hours converts a whole number of hours from the config to a duration
func Hours(n int) time.Duration {
	return time.Duration(n) * time.Hour
}
