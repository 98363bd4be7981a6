package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address         string
		DebugAddress    string
		ShutdownTimeout time.Duration
	}

	BackendConfig struct {
		BaseURL string
		Timeout time.Duration
	}

	SessionConfig struct {
		StoreDir         string
		CookieMaxAge     time.Duration
		CookieSecure     bool
		CookieHashKey    string // signs the session cookies
		CookieBlockKey   string // optional: encrypts them (16, 24 or 32 bytes)
		PrivilegedEmails []string
		PublicPaths      []string
	}

	RoutesConfig struct {
		Login   string
		Admin   string
		Student string
		Tutor   string
		Default string
	}

	AuthConfig struct {
		SecretKey                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		URL string
	}

	Config struct {
		Env          string
		Debug        bool
		TestMode     bool
		AppName      string
		Build        string
		RollbarToken string
		WorkDir      string

		Server   ServerConfig
		Backend  BackendConfig
		Session  SessionConfig
		Routes   RoutesConfig
		Auth     AuthConfig
		Database DatabaseConfig
	}
)

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Masomo")
	v.SetDefault("build", "dev")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugAddress", ":4000")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("backend.baseURL", "http://localhost:8080")
	v.SetDefault("backend.timeout", 10*time.Second)

	v.SetDefault("session.storeDir", "")
	v.SetDefault("session.cookieMaxAge", 30*24*time.Hour)
	v.SetDefault("session.cookieSecure", false)
	v.SetDefault("session.cookieHashKey", "")
	v.SetDefault("session.cookieBlockKey", "")
	v.SetDefault("session.privilegedEmails", []string{})
	v.SetDefault("session.publicPaths", []string{"/register", "/password-reset"})

	v.SetDefault("routes.login", "/login")
	v.SetDefault("routes.admin", "/admin")
	v.SetDefault("routes.student", "/student/dashboard")
	v.SetDefault("routes.tutor", "/tutor/profile")
	v.SetDefault("routes.default", "/")

	v.SetDefault("auth.secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("auth.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("auth.jwtRefreshExpirationDelta", 30*24*time.Hour)

	v.SetDefault("database.url", "")
}

// NewConfig loads the configuration from defaults, `config/.env.<env>` (if it exists) and the environment.
// Environment variables are prefixed with the uppercased env name, eg: `DEV_BACKEND.BASEURL`.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("config.os.Getwd(): %v", err)
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Env:          env,
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		Build:        v.GetString("build"),
		RollbarToken: v.GetString("rollbarToken"),
		WorkDir:      workDir,
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			DebugAddress:    v.GetString("server.debugAddress"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(v.GetString("backend.baseURL"), "/"),
			Timeout: v.GetDuration("backend.timeout"),
		},
		Session: SessionConfig{
			StoreDir:         v.GetString("session.storeDir"),
			CookieMaxAge:     v.GetDuration("session.cookieMaxAge"),
			CookieSecure:     v.GetBool("session.cookieSecure"),
			CookieHashKey:    v.GetString("session.cookieHashKey"),
			CookieBlockKey:   v.GetString("session.cookieBlockKey"),
			PrivilegedEmails: cleanList(v.GetStringSlice("session.privilegedEmails"), true),
			PublicPaths:      cleanList(v.GetStringSlice("session.publicPaths"), false),
		},
		Routes: RoutesConfig{
			Login:   v.GetString("routes.login"),
			Admin:   v.GetString("routes.admin"),
			Student: v.GetString("routes.student"),
			Tutor:   v.GetString("routes.tutor"),
			Default: v.GetString("routes.default"),
		},
		Auth: AuthConfig{
			SecretKey:                 v.GetString("auth.secretKey"),
			JWTExpirationDelta:        v.GetDuration("auth.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("auth.jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
	}
}

func cleanList(items []string, lower bool) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		// env values come in as a single comma separated string
		for _, part := range strings.Split(item, ",") {
			if part = CleanString(part, lower); part != "" {
				cleaned = append(cleaned, part)
			}
		}
	}
	return cleaned
}
