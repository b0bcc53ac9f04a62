package core

import (
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		Debug            bool
		TestMode         bool
		WorkDir          string
		AppName          string
		SecretKey        string
		RollbarToken     string
		FrontendBaseURL  string
		DefaultFromEmail string
		SendgridAPIKey   string

		Server   ServerConfig
		Database DatabaseConfig
		Realtime RealtimeConfig
		Paths    PathsConfig
	}

	ServerConfig struct {
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RealtimeConfig struct {
		Driver         string // postgres, redis or memory
		Channel        string // redis pub/sub channel; postgres triggers use a fixed one
		RedisURL       string
		UnlockDelay    time.Duration
		PollSchedule   string
		DebounceWindow time.Duration
	}

	// PathsConfig holds the navigation targets the access resolver redirects to.
	PathsConfig struct {
		SignIn       string
		SignOut      string
		Pending      string
		Root         string
		AdminHome    string
		TenantHome   string
		TenantArea   string
		ModulesIndex string
	}
)

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// URL builds the connection string used by lib/pq.
func (db DatabaseConfig) URL() string {
	return db.URLTo(db.Name)
}

// URLTo connects to dbName as the app user.
func (db DatabaseConfig) URLTo(dbName string) string {
	return db.url(dbName, db.User, db.Password)
}

// AdminURL connects to dbName as the admin user, falling back to the app user.
func (db DatabaseConfig) AdminURL(dbName string) string {
	if db.AdminUser == "" {
		return db.URLTo(dbName)
	}
	return db.url(dbName, db.AdminUser, db.AdminPassword)
}

func (db DatabaseConfig) url(name, user, password string) string {
	sslMode := "require"
	if db.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   db.Engine,
		User:     url.UserPassword(user, password),
		Host:     db.Address(),
		Path:     name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func NewConfig() *Config {
	conf := viper.New()
	wd := Getwd()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("debug", true)
	conf.SetDefault("testMode", false)
	conf.SetDefault("appName", "Masomo")
	conf.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	conf.SetDefault("rollbarToken", "")
	conf.SetDefault("frontendBaseURL", "http://localhost:8080")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("sendgridAPIKey", "")

	conf.SetDefault("serverHost", "0.0.0.0:8000")
	conf.SetDefault("serverDebugHost", "0.0.0.0:4000")
	conf.SetDefault("serverShutdownTimeout", 5*time.Second)
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)

	conf.SetDefault("dbEngine", "postgres")
	conf.SetDefault("dbHost", "localhost")
	conf.SetDefault("dbPort", "5432")
	conf.SetDefault("dbName", "masomo")
	conf.SetDefault("dbUser", "postgres")
	conf.SetDefault("dbPassword", "postgres")
	conf.SetDefault("dbAdminUser", "")
	conf.SetDefault("dbAdminPassword", "")
	conf.SetDefault("dbDisableTLS", true)

	conf.SetDefault("realtimeDriver", "postgres")
	conf.SetDefault("realtimeChannel", "masomo_changes")
	conf.SetDefault("redisURL", "redis://localhost:6379/0")
	conf.SetDefault("unlockDelay", 1500*time.Millisecond)
	conf.SetDefault("pollSchedule", "@every 90s")
	conf.SetDefault("debounceWindow", 250*time.Millisecond)

	conf.SetDefault("pathSignIn", "/auth/sign-in")
	conf.SetDefault("pathSignOut", "/auth/sign-out")
	conf.SetDefault("pathPending", "/pending-configuration")
	conf.SetDefault("pathRoot", "/")
	conf.SetDefault("pathAdminHome", "/admin")
	conf.SetDefault("pathTenantHome", "/tenant/dashboard")
	conf.SetDefault("pathTenantArea", "/tenant")
	conf.SetDefault("pathModulesIndex", "/tenant/modules")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
		conf.SetDefault("realtimeDriver", "memory")
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:              env,
		Build:            conf.GetString("build"),
		Debug:            conf.GetBool("debug"),
		TestMode:         conf.GetBool("testMode"),
		WorkDir:          wd,
		AppName:          conf.GetString("appName"),
		SecretKey:        conf.GetString("secretKey"),
		RollbarToken:     conf.GetString("rollbarToken"),
		FrontendBaseURL:  conf.GetString("frontendBaseURL"),
		DefaultFromEmail: conf.GetString("defaultFromEmail"),
		SendgridAPIKey:   conf.GetString("sendgridAPIKey"),
		Server: ServerConfig{
			Host:               conf.GetString("serverHost"),
			DebugHost:          conf.GetString("serverDebugHost"),
			ShutdownTimeout:    conf.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta: conf.GetDuration("jwtExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("dbEngine"),
			Host:          conf.GetString("dbHost"),
			Port:          conf.GetString("dbPort"),
			Name:          conf.GetString("dbName"),
			User:          conf.GetString("dbUser"),
			Password:      conf.GetString("dbPassword"),
			AdminUser:     conf.GetString("dbAdminUser"),
			AdminPassword: conf.GetString("dbAdminPassword"),
			DisableTLS:    conf.GetBool("dbDisableTLS"),
		},
		Realtime: RealtimeConfig{
			Driver:         strings.ToLower(conf.GetString("realtimeDriver")),
			Channel:        conf.GetString("realtimeChannel"),
			RedisURL:       conf.GetString("redisURL"),
			UnlockDelay:    conf.GetDuration("unlockDelay"),
			PollSchedule:   conf.GetString("pollSchedule"),
			DebounceWindow: conf.GetDuration("debounceWindow"),
		},
		Paths: PathsConfig{
			SignIn:       conf.GetString("pathSignIn"),
			SignOut:      conf.GetString("pathSignOut"),
			Pending:      conf.GetString("pathPending"),
			Root:         conf.GetString("pathRoot"),
			AdminHome:    conf.GetString("pathAdminHome"),
			TenantHome:   conf.GetString("pathTenantHome"),
			TenantArea:   conf.GetString("pathTenantArea"),
			ModulesIndex: conf.GetString("pathModulesIndex"),
		},
	}
}
